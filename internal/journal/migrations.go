package journal

const schema = `
CREATE TABLE IF NOT EXISTS forward_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    address TEXT NOT NULL,
    chat_id TEXT NOT NULL,
    sender TEXT,
    subject TEXT,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_forward_log_address ON forward_log(address);
CREATE INDEX IF NOT EXISTS idx_forward_log_status ON forward_log(status);
`
