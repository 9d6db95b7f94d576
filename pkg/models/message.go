package models

import "time"

// DecodedMessage is the display-ready extraction of a received email:
// sender, subject, a length-bounded body excerpt and attachment
// summaries. It is produced at most once per completed SMTP session
// and consumed once by the forwarder.
type DecodedMessage struct {
	From        string       // sender display string, "Name <addr>" or bare address
	Subject     string       // decoded subject, "no subject" when absent
	Excerpt     string       // plain-text body excerpt, truncated with "…"
	Attachments []Attachment // non-text parts, content discarded
}

// Attachment summarizes a non-text MIME part. Only the name and the
// decoded size are kept; the content itself is never stored.
type Attachment struct {
	Filename string
	Size     int64
}

// ForwardRecord is one journal row describing the terminal outcome of
// a forward attempt for one account.
type ForwardRecord struct {
	ID        int64     `db:"id"`
	Address   string    `db:"address"` // recipient account address
	ChatID    string    `db:"chat_id"`
	Sender    string    `db:"sender"`
	Subject   string    `db:"subject"`
	Status    string    `db:"status"` // delivered, rate_limited, unreachable, rejected
	Attempts  int       `db:"attempts"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
}
