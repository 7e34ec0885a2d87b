/*
Package evaluation measures this client against a remote IMAP server
and compares each result with the same exchange run through the
emersion/go-imap reference client. Runs are thought to be executed from
a reproducible host, e.g. a common machine option at some prominent
cloud provider. Fetched messages can additionally be archived into a
local Maildir to verify payload integrity end to end.
*/
package main
