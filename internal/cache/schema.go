package cache

// Schema contains SQL schema definitions for the envelope cache
const Schema = `
-- Folders observed per account, with the change watermark recorded the
-- last time the folder was listed
CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account TEXT NOT NULL,
    path TEXT NOT NULL,
    message_count INTEGER DEFAULT 0,
    unread_count INTEGER DEFAULT 0,
    highest_modseq INTEGER DEFAULT 0,
    last_listed DATETIME,
    UNIQUE(account, path)
);

-- Envelope summaries; bodies are never cached
CREATE TABLE IF NOT EXISTS envelopes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    folder_id INTEGER NOT NULL,
    uid INTEGER NOT NULL,
    subject TEXT,
    sender_name TEXT,
    sender_email TEXT,
    recipients TEXT,
    date DATETIME NOT NULL,
    size INTEGER DEFAULT 0,
    seen INTEGER DEFAULT 0,
    flagged INTEGER DEFAULT 0,
    deleted INTEGER DEFAULT 0,
    cached_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (folder_id) REFERENCES folders(id) ON DELETE CASCADE,
    UNIQUE(folder_id, uid)
);

-- Create indexes for faster queries
CREATE INDEX IF NOT EXISTS idx_envelopes_folder_id ON envelopes(folder_id);
CREATE INDEX IF NOT EXISTS idx_envelopes_date ON envelopes(date);
CREATE INDEX IF NOT EXISTS idx_envelopes_sender_email ON envelopes(sender_email);
CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account);

-- Full-text search index
CREATE VIRTUAL TABLE IF NOT EXISTS envelopes_fts USING fts5(
    subject,
    sender_email,
    sender_name,
    content='envelopes',
    content_rowid='id'
);

-- Triggers for FTS
CREATE TRIGGER IF NOT EXISTS envelopes_fts_insert AFTER INSERT ON envelopes BEGIN
    INSERT INTO envelopes_fts(rowid, subject, sender_email, sender_name)
    VALUES (new.id, new.subject, new.sender_email, new.sender_name);
END;

CREATE TRIGGER IF NOT EXISTS envelopes_fts_update AFTER UPDATE ON envelopes BEGIN
    UPDATE envelopes_fts SET
        subject = new.subject,
        sender_email = new.sender_email,
        sender_name = new.sender_name
    WHERE rowid = new.id;
END;

CREATE TRIGGER IF NOT EXISTS envelopes_fts_delete AFTER DELETE ON envelopes BEGIN
    DELETE FROM envelopes_fts WHERE rowid = old.id;
END;
`
