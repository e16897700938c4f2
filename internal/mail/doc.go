// Package mail sends keygate's transactional email.
//
// Sender has two implementations: SESSender delivers through Amazon SES and
// LogSender writes the message to the log, which is the default outside
// production. Messages are rendered from Markdown templates embedded in the
// binary.
package mail
