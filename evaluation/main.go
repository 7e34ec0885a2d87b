package main

import (
	"bytes"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	goimap "github.com/emersion/go-imap"
	goclient "github.com/emersion/go-imap/client"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/imapclient/client"
	"github.com/go-pluto/maildir"

	kitlog "github.com/go-kit/kit/log"
)

// Functions

// buildMessage assembles one small test mail, numbered so that runs
// stay distinguishable on the server.
func buildMessage(i int) []byte {

	msg := "From: John Doe <jdoe@machine.example>\r\n"
	msg = msg + "To: Mary Smith <mary@example.net>\r\n"
	msg = msg + fmt.Sprintf("Subject: Evaluation run %d\r\n", i)
	msg = msg + "Date: Fri, 21 Nov 2014 09:55:06 -0600\r\n"
	msg = msg + fmt.Sprintf("Message-ID: <eval-%d@local.machine.example>\r\n\r\n", i)
	msg = msg + "yolo\r\n"

	return []byte(msg)
}

// appendOwn times APPEND round trips through this client and logs one
// CSV line per message.
func appendOwn(c *client.Client, folder string, messages int, out *os.File) error {

	date := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)

	for i := 0; i < messages; i++ {

		t1 := time.Now()

		if err := c.Append(folder, []string{"\\Draft"}, date, buildMessage(i)); err != nil {
			return err
		}

		diff := time.Since(t1)
		log.Println("own append", i, diff)

		if _, err := out.WriteString("own, " + strconv.Itoa(i) + ", " + diff.String() + "\r\n"); err != nil {
			return err
		}
	}

	return nil
}

// appendReference times the same APPEND loop through the
// emersion/go-imap client for comparison.
func appendReference(addr string, useTLS bool, user string, password string, folder string, messages int, out *os.File) error {

	var c *goclient.Client
	var err error

	if useTLS {
		c, err = goclient.DialTLS(addr, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		c, err = goclient.Dial(addr)
	}
	if err != nil {
		return err
	}
	defer c.Logout()

	if err := c.Login(user, password); err != nil {
		return err
	}

	date := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)

	for i := 0; i < messages; i++ {

		var literal goimap.Literal = bytes.NewBuffer(buildMessage(i))

		t1 := time.Now()

		if err := c.Append(folder, []string{"\\Draft"}, date, literal); err != nil {
			return err
		}

		diff := time.Since(t1)
		log.Println("reference append", i, diff)

		if _, err := out.WriteString("reference, " + strconv.Itoa(i) + ", " + diff.String() + "\r\n"); err != nil {
			return err
		}
	}

	return nil
}

// archiveFetched pulls the appended messages back with FETCH and
// delivers each body into a local Maildir, verifying the payload
// survives the round trip byte for byte.
func archiveFetched(c *client.Client, folder string, maildirRoot string) error {

	if _, err := c.Select(folder); err != nil {
		return err
	}

	result, err := c.UIDSearch("SUBJECT", "\"Evaluation run\"")
	if err != nil {
		return err
	}

	if len(result.IDs) == 0 {
		log.Println("no evaluation messages found to archive")
		return nil
	}

	dir := maildir.Dir(maildirRoot)
	if err := dir.Create(); err != nil {
		return err
	}

	for _, uid := range result.IDs {

		fetched, err := c.UIDFetch(strconv.FormatUint(uid, 10), []string{"UID", "BODY[]"})
		if err != nil {
			return err
		}

		for _, fields := range fetched {

			body, ok := fields["BODY[]"].([]byte)
			if !ok {
				continue
			}

			delivery, err := dir.NewDelivery()
			if err != nil {
				return err
			}

			if err := delivery.Write(body); err != nil {
				delivery.Abort()
				return err
			}

			key, err := delivery.Close()
			if err != nil {
				return err
			}

			log.Println("archived uid", uid, "as", key)
		}
	}

	return nil
}

func main() {

	hostFlag := flag.String("addr", "", "Declare to which host and port to connect to for sending IMAP traffic (required).")
	userFlag := flag.String("user", "", "Provide the login name of the test account (required).")
	passwordFlag := flag.String("pass", "", "Provide the password of the test account (required).")
	outputFlag := flag.String("output", "", "Provide the CSV file the round trip times are appended to (required).")
	tlsFlag := flag.Bool("tls", true, "Set to true if remote host allows for TLS encrypted connections.")
	folderFlag := flag.String("folder", "INBOX", "Declare which folder the evaluation appends into.")
	messagesFlag := flag.Int("messages", 100, "Declare how many messages each run appends.")
	maildirFlag := flag.String("maildir", "", "If set, fetch the appended messages back and deliver them into this local Maildir.")

	flag.Parse()

	if *hostFlag == "" || *userFlag == "" || *passwordFlag == "" || *outputFlag == "" {
		log.Fatal("not enough arguments, try -h")
	}

	out, err := os.OpenFile(*outputFlag, (os.O_APPEND | os.O_CREATE | os.O_WRONLY), 0600)
	if err != nil {
		log.Fatal(err)
	}
	defer out.Close()

	logger := level.NewFilter(kitlog.NewJSONLogger(kitlog.NewSyncWriter(os.Stdout)), level.AllowWarn())

	log.Println("connecting to server")

	var conn *client.Connection
	if *tlsFlag {
		conn, err = client.DialTLS(*hostFlag, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = client.Dial(*hostFlag)
	}
	if err != nil {
		log.Fatal(err)
	}

	c, err := client.NewClient(conn, logger)
	if err != nil {
		log.Fatal(err)
	}

	if err := c.Login(*userFlag, *passwordFlag); err != nil {
		log.Fatal(err)
	}

	log.Println("logged in, appending", *messagesFlag, "messages")

	if err := appendOwn(c, *folderFlag, *messagesFlag, out); err != nil {
		log.Fatal(err)
	}

	if err := appendReference(*hostFlag, *tlsFlag, *userFlag, *passwordFlag, *folderFlag, *messagesFlag, out); err != nil {
		log.Fatal(err)
	}

	if *maildirFlag != "" {
		if err := archiveFetched(c, *folderFlag, *maildirFlag); err != nil {
			log.Fatal(err)
		}
	}

	log.Println("logout")
	if err := c.Logout(); err != nil {
		log.Fatal(err)
	}

	log.Println("done")
}
