package client

import (
	"fmt"
	"strings"
	"time"

	"crypto/tls"

	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/imapclient/imap"
)

// Structs

// MailboxStatus summarizes the untagged data of a SELECT or EXAMINE
// exchange.
type MailboxStatus struct {
	Name        string
	Flags       []string
	Exists      uint64
	Recent      uint64
	UIDValidity uint64
	UIDNext     uint64
	ReadOnly    bool
}

// ListItem is one entry of a LIST or LSUB response with the folder
// name decoded from modified UTF-7.
type ListItem struct {
	Flags     []string
	Delimiter string
	Name      string
}

// Functions

// Login authenticates with the LOGIN command. Credentials travel
// quoted, or as literals if they carry bytes no quoting scheme covers.
func (c *Client) Login(user string, password string) error {

	_, err := c.Execute("LOGIN", credentialArg(user), credentialArg(password))

	return err
}

// Logout ends the session with the server and closes the connection.
func (c *Client) Logout() error {

	_, err := c.Execute("LOGOUT")

	if closeErr := c.Close(); err == nil && closeErr != nil {
		err = closeErr
	}

	return err
}

// Noop executes the NOOP command, returning any server-side status
// updates and resetting auto-logout timers.
func (c *Client) Noop() (*Response, error) {
	return c.Execute("NOOP")
}

// Capability refreshes the capability cache via the CAPABILITY command
// and returns the advertised tokens.
func (c *Client) Capability() ([]string, error) {

	resp, err := c.Execute("CAPABILITY")
	if err != nil {
		return nil, err
	}

	for _, group := range resp.Untagged {

		fields := strings.Fields(string(group[0].Text))
		if len(fields) < 1 || !strings.EqualFold(fields[0], "CAPABILITY") {
			continue
		}

		c.Caps.Update(fields[1:])

		return fields[1:], nil
	}

	return nil, &imap.ProtocolError{Reason: "no untagged CAPABILITY data in CAPABILITY response"}
}

// StartTLSUpgrade negotiates STARTTLS and upgrades the transport in
// place. The capability cache is invalidated, the pre-upgrade set must
// not be trusted on the encrypted channel.
func (c *Client) StartTLSUpgrade(tlsConfig *tls.Config) error {

	if _, err := c.Execute("STARTTLS"); err != nil {
		return err
	}

	if err := c.conn.StartTLS(tlsConfig); err != nil {
		c.abort(err)
		return err
	}

	c.Caps.Invalidate()

	level.Debug(c.logger).Log("msg", "connection upgraded via STARTTLS", "server", c.conn.RemoteAddr())

	return nil
}

// Select opens a folder read-write and reports its status.
func (c *Client) Select(folder string) (*MailboxStatus, error) {
	return c.selectFolder("SELECT", folder)
}

// Examine opens a folder read-only and reports its status.
func (c *Client) Examine(folder string) (*MailboxStatus, error) {
	return c.selectFolder("EXAMINE", folder)
}

// Create makes a new folder.
func (c *Client) Create(folder string) error {
	_, err := c.Execute("CREATE", folderArg(folder))
	return err
}

// Delete removes a folder.
func (c *Client) Delete(folder string) error {
	_, err := c.Execute("DELETE", folderArg(folder))
	return err
}

// Rename renames a folder.
func (c *Client) Rename(from string, to string) error {
	_, err := c.Execute("RENAME", folderArg(from), folderArg(to))
	return err
}

// Subscribe adds a folder to the subscription list.
func (c *Client) Subscribe(folder string) error {
	_, err := c.Execute("SUBSCRIBE", folderArg(folder))
	return err
}

// Unsubscribe removes a folder from the subscription list.
func (c *Client) Unsubscribe(folder string) error {
	_, err := c.Execute("UNSUBSCRIBE", folderArg(folder))
	return err
}

// List enumerates folders matching a pattern below a reference name.
func (c *Client) List(reference string, pattern string) ([]ListItem, error) {

	resp, err := c.Execute("LIST", folderArg(reference), folderArg(pattern))
	if err != nil {
		return nil, err
	}

	var out []ListItem

	for _, group := range resp.Untagged {

		a, err := imap.Parse(group)
		if err != nil {
			return nil, err
		}

		items, ok := a.(imap.List)
		if !ok || len(items) != 4 {
			continue
		}

		name, ok := items[0].(imap.Bytes)
		if !ok || !strings.EqualFold(string(name), "LIST") {
			continue
		}

		item, err := parseListItem(items)
		if err != nil {
			return nil, err
		}

		out = append(out, *item)
	}

	return out, nil
}

// Status queries folder counters without selecting it.
func (c *Client) Status(folder string, items []string) (map[string]uint64, error) {

	if len(items) == 0 {
		items = []string{"MESSAGES", "RECENT", "UIDNEXT", "UIDVALIDITY", "UNSEEN"}
	}

	resp, err := c.Execute("STATUS",
		folderArg(folder),
		imap.Plain(fmt.Sprintf("(%s)", strings.Join(items, " "))),
	)
	if err != nil {
		return nil, err
	}

	out := make(map[string]uint64)

	for _, group := range resp.Untagged {

		a, err := imap.Parse(group)
		if err != nil {
			return nil, err
		}

		fields, ok := a.(imap.List)
		if !ok || len(fields) < 3 {
			continue
		}

		name, ok := fields[0].(imap.Bytes)
		if !ok || !strings.EqualFold(string(name), "STATUS") {
			continue
		}

		counters, ok := fields[len(fields)-1].(imap.List)
		if !ok || len(counters)%2 != 0 {
			return nil, &imap.FramingError{Reason: "malformed STATUS counter list"}
		}

		for i := 0; i < len(counters); i += 2 {

			counterName, ok := counters[i].(imap.Bytes)
			if !ok {
				return nil, &imap.FramingError{Reason: "STATUS counter name is not a string"}
			}

			value, ok := counters[i+1].(imap.Integer)
			if !ok {
				continue
			}

			out[strings.ToUpper(string(counterName))] = uint64(value)
		}
	}

	return out, nil
}

// Search runs SEARCH over sequence numbers.
func (c *Client) Search(criteria ...string) (*imap.SearchResult, error) {
	return c.search("SEARCH", criteria)
}

// UIDSearch runs SEARCH over UIDs.
func (c *Client) UIDSearch(criteria ...string) (*imap.SearchResult, error) {
	return c.search("UID SEARCH", criteria)
}

// Fetch retrieves message data by sequence set.
func (c *Client) Fetch(set string, items []string) (imap.FetchResult, error) {
	return c.fetch("FETCH", set, fmt.Sprintf("(%s)", strings.Join(items, " ")))
}

// UIDFetch retrieves message data by UID set.
func (c *Client) UIDFetch(set string, items []string) (imap.FetchResult, error) {
	return c.fetch("UID FETCH", set, fmt.Sprintf("(%s)", strings.Join(items, " ")))
}

// Store manipulates message flags, e.g. with operation '+FLAGS' and
// flags '(\Seen)'. The returned records carry the new flag state
// unless the silent variant was requested.
func (c *Client) Store(set string, operation string, flags string) (imap.FetchResult, error) {
	return c.fetch("STORE", set, fmt.Sprintf("%s %s", operation, flags))
}

// UIDStore is Store over a UID set.
func (c *Client) UIDStore(set string, operation string, flags string) (imap.FetchResult, error) {
	return c.fetch("UID STORE", set, fmt.Sprintf("%s %s", operation, flags))
}

// Copy copies messages into another folder.
func (c *Client) Copy(set string, folder string) error {
	_, err := c.Execute("COPY", imap.Plain(set), folderArg(folder))
	return err
}

// Expunge permanently removes deleted messages and returns the
// sequence numbers the server reported expunged.
func (c *Client) Expunge() ([]uint64, error) {

	resp, err := c.Execute("EXPUNGE")
	if err != nil {
		return nil, err
	}

	var out []uint64

	for _, group := range resp.Untagged {

		fields := strings.Fields(string(group[0].Text))
		if len(fields) == 2 && strings.EqualFold(fields[1], "EXPUNGE") {

			var seq uint64
			if _, err := fmt.Sscanf(fields[0], "%d", &seq); err == nil {
				out = append(out, seq)
			}
		}
	}

	return out, nil
}

// Append delivers a message into a folder. The message body always
// travels as a literal, embedded CR/LF and 8-bit content included.
func (c *Client) Append(folder string, flags []string, date time.Time, message []byte) error {

	args := []imap.Argument{folderArg(folder)}

	if len(flags) > 0 {
		args = append(args, imap.Plain(fmt.Sprintf("(%s)", strings.Join(flags, " "))))
	}

	if !date.IsZero() {
		args = append(args, imap.PlainBytes(imap.Quote(imap.FormatDateTime(date))))
	}

	args = append(args, imap.LiteralArg(message))

	_, err := c.Execute("APPEND", args...)

	return err
}

// Idle puts the connection into IDLE mode. The server acknowledges
// with a continuation invite and pushes untagged updates until
// IdleDone ends the mode. While idling, no other command may start.
func (c *Client) Idle() error {

	pending, err := c.begin("IDLE")
	if err != nil {
		return err
	}

	if err := c.conn.Send([]byte(pending.Tag + " IDLE\r\n")); err != nil {
		c.finish()
		c.abort(err)
		return err
	}

	for {

		group, err := c.readRecordGroup()
		if err != nil {
			c.finish()
			c.abort(err)
			return err
		}

		first := group[0].Text

		if len(first) > 0 && first[0] == '+' {

			c.lock.Lock()
			c.idleTag = pending.Tag
			c.idleUntagged = pending.Untagged
			c.pending = nil
			c.lock.Unlock()

			level.Debug(c.logger).Log("msg", "connection entered IDLE mode", "tag", pending.Tag)

			return nil
		}

		if len(first) > 1 && first[0] == '*' {
			pending.Untagged = append(pending.Untagged, trimUntagged(group))
			continue
		}

		// The server rejected IDLE with a tagged completion.
		c.finish()

		status, text, ok := c.matchTag(pending.Tag, first)
		if !ok {
			err := &imap.ProtocolError{Reason: fmt.Sprintf("unexpected IDLE reply '%s'", first)}
			c.abort(err)
			return err
		}

		return &imap.CommandError{Verb: "IDLE", Status: status, Text: text}
	}
}

// IdleDone ends IDLE mode with the DONE sequence and consumes
// everything up to the tagged completion of the original IDLE
// command. The untagged records of the response carry whatever the
// server pushed since the mode began.
func (c *Client) IdleDone() (*Response, error) {

	c.lock.Lock()

	if c.idleTag == "" {
		c.lock.Unlock()
		return nil, &imap.ProtocolError{Reason: "connection is not in IDLE mode"}
	}

	pending := &PendingCommand{
		Tag:      c.idleTag,
		Verb:     "IDLE",
		state:    commandAwaitingCompletion,
		Untagged: c.idleUntagged,
	}

	c.idleTag = ""
	c.idleUntagged = nil
	c.lock.Unlock()

	if err := c.conn.Send([]byte("DONE\r\n")); err != nil {
		c.abort(err)
		return nil, err
	}

	return c.awaitCompletion(pending)
}

// selectFolder shares the SELECT/EXAMINE exchange.
func (c *Client) selectFolder(verb string, folder string) (*MailboxStatus, error) {

	resp, err := c.Execute(verb, folderArg(folder))
	if err != nil {
		return nil, err
	}

	status := &MailboxStatus{Name: folder}

	status.ReadOnly = strings.Contains(resp.Text, "[READ-ONLY]")

	for _, group := range resp.Untagged {

		text := string(group[0].Text)
		fields := strings.Fields(text)

		if len(fields) == 2 && strings.EqualFold(fields[1], "EXISTS") {
			fmt.Sscanf(fields[0], "%d", &status.Exists)
			continue
		}

		if len(fields) == 2 && strings.EqualFold(fields[1], "RECENT") {
			fmt.Sscanf(fields[0], "%d", &status.Recent)
			continue
		}

		if len(fields) >= 2 && strings.EqualFold(fields[0], "FLAGS") {

			a, err := imap.Parse(group)
			if err != nil {
				return nil, err
			}

			if items, ok := a.(imap.List); ok && len(items) == 2 {
				if flagList, ok := items[1].(imap.List); ok {
					for _, flag := range flagList {
						if b, ok := flag.(imap.Bytes); ok {
							status.Flags = append(status.Flags, string(b))
						}
					}
				}
			}

			continue
		}

		if strings.EqualFold(fields[0], "OK") {
			fmt.Sscanf(text, "OK [UIDVALIDITY %d]", &status.UIDValidity)
			fmt.Sscanf(text, "OK [UIDNEXT %d]", &status.UIDNext)
		}
	}

	return status, nil
}

// search shares the SEARCH/UID SEARCH exchange.
func (c *Client) search(verb string, criteria []string) (*imap.SearchResult, error) {

	if len(criteria) == 0 {
		criteria = []string{"ALL"}
	}

	args := make([]imap.Argument, 0, len(criteria))
	for _, criterion := range criteria {
		args = append(args, imap.Plain(criterion))
	}

	resp, err := c.Execute(verb, args...)
	if err != nil {
		return nil, err
	}

	out := &imap.SearchResult{}

	for _, group := range resp.Untagged {

		text := group[0].Text
		if !strings.HasPrefix(strings.ToUpper(string(text)), "SEARCH") {
			continue
		}

		trimmed := make([]imap.Record, len(group))
		copy(trimmed, group)
		trimmed[0].Text = text[len("SEARCH"):]

		// An empty SEARCH response carries no identifiers at all.
		if len(strings.TrimSpace(string(trimmed[0].Text))) == 0 && len(trimmed) == 1 {
			continue
		}

		a, err := imap.Parse(trimmed)
		if err != nil {
			return nil, err
		}

		partial, err := imap.ParseSearch(a)
		if err != nil {
			return nil, err
		}

		out.IDs = append(out.IDs, partial.IDs...)
		if partial.ModSeq != 0 {
			out.ModSeq = partial.ModSeq
		}
	}

	return out, nil
}

// fetch shares the FETCH/STORE exchange and funnels the untagged
// records through the fetch interpreter.
func (c *Client) fetch(verb string, set string, items string) (imap.FetchResult, error) {

	resp, err := c.Execute(verb, imap.Plain(set), imap.Plain(items))
	if err != nil {
		return nil, err
	}

	return InterpretFetch(resp)
}

// InterpretFetch extracts the FETCH-shaped untagged records of a
// response and hands them to the fetch interpreter. Unrelated
// untagged data, e.g. an EXISTS arriving mid-command, is skipped.
func InterpretFetch(resp *Response) (imap.FetchResult, error) {

	var atoms []imap.Atom

	for _, group := range resp.Untagged {

		a, err := imap.Parse(group)
		if err != nil {
			return nil, err
		}

		items, ok := a.(imap.List)
		if !ok || len(items) != 3 {
			continue
		}

		seq, ok := items[0].(imap.Integer)
		if !ok {
			continue
		}

		name, ok := items[1].(imap.Bytes)
		if !ok || !strings.EqualFold(string(name), "FETCH") {
			continue
		}

		fields, ok := items[2].(imap.List)
		if !ok {
			return nil, &imap.FramingError{Reason: "FETCH response does not carry a field list"}
		}

		atoms = append(atoms, imap.List{seq, fields})
	}

	return imap.ParseFetch(atoms)
}

// parseListItem converts one parsed LIST response into a ListItem,
// decoding the folder name from modified UTF-7.
func parseListItem(items imap.List) (*ListItem, error) {

	item := &ListItem{}

	flags, ok := items[1].(imap.List)
	if !ok {
		return nil, &imap.FramingError{Reason: "LIST response does not carry a flag list"}
	}

	for _, flag := range flags {
		if b, ok := flag.(imap.Bytes); ok {
			item.Flags = append(item.Flags, string(b))
		}
	}

	// The delimiter is NIL for a flat namespace.
	if delim, ok := items[2].(imap.Bytes); ok {
		item.Delimiter = string(delim)
	}

	name, ok := items[3].(imap.Bytes)
	if !ok {
		return nil, &imap.FramingError{Reason: "LIST response does not carry a folder name"}
	}

	decoded, err := imap.DecodeFolderName(name)
	if err != nil {
		return nil, err
	}
	item.Name = decoded

	return item, nil
}

// folderArg encodes a folder name for the wire: modified UTF-7, then
// quoted. The UTF-7 step guarantees the quoted form stays 7-bit.
func folderArg(folder string) imap.Argument {
	return imap.PlainBytes(imap.Quote(string(imap.EncodeFolderName(folder))))
}

// credentialArg quotes a credential, falling back to raw literal
// framing when its bytes cannot travel on a command line at all.
func credentialArg(s string) imap.Argument {

	if imap.NeedsLiteral([]byte(s)) {
		return imap.LiteralArg([]byte(s))
	}

	return imap.PlainBytes(imap.Quote(s))
}
