package database

const schema = `
CREATE TABLE IF NOT EXISTS session_connections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL UNIQUE,
    telegram_user_id INTEGER,
    phone_number TEXT,
    session_status TEXT NOT NULL DEFAULT 'active',
    auth_step TEXT NOT NULL DEFAULT 'idle',
    last_auth_method TEXT,
    restoration_state TEXT NOT NULL DEFAULT 'none',
    restoration_failure_count INTEGER NOT NULL DEFAULT 0,
    last_restoration_attempt_at DATETIME,
    last_activity_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS posting_bots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL UNIQUE,
    bot_token TEXT NOT NULL,
    bot_username TEXT NOT NULL,
    bot_telegram_id INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'creating',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS feeds (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'draft',
    polling_interval_sec INTEGER NOT NULL DEFAULT 300,
    fetch_from_date DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS source_channels (
    id TEXT PRIMARY KEY,
    telegram_channel_id INTEGER NOT NULL UNIQUE,
    username TEXT,
    title TEXT NOT NULL,
    member_count INTEGER,
    protected BOOLEAN NOT NULL DEFAULT false,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS feed_sources (
    id TEXT PRIMARY KEY,
    feed_id TEXT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
    source_channel_id TEXT NOT NULL REFERENCES source_channels(id) ON DELETE CASCADE,
    last_message_id INTEGER NOT NULL DEFAULT 0,
    added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(feed_id, source_channel_id)
);

CREATE TABLE IF NOT EXISTS feed_channels (
    id TEXT PRIMARY KEY,
    feed_id TEXT NOT NULL UNIQUE REFERENCES feeds(id) ON DELETE CASCADE,
    telegram_channel_id INTEGER NOT NULL,
    invite_link TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS aggregation_jobs (
    id TEXT PRIMARY KEY,
    feed_id TEXT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending',
    messages_fetched INTEGER NOT NULL DEFAULT 0,
    messages_posted INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    started_at DATETIME,
    completed_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS task_jobs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'waiting',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 1,
    backoff_ms INTEGER NOT NULL DEFAULT 0,
    run_at DATETIME NOT NULL,
    last_error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_feeds_user_status ON feeds(user_id, status);
CREATE INDEX IF NOT EXISTS idx_feed_sources_feed ON feed_sources(feed_id);
CREATE INDEX IF NOT EXISTS idx_jobs_feed ON aggregation_jobs(feed_id);
CREATE INDEX IF NOT EXISTS idx_task_jobs_dispatch ON task_jobs(kind, status, run_at);
`
