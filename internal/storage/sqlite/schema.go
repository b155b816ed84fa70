package sqlite

const schema = `
-- Authors table: identities referenced by entries and grants
CREATE TABLE IF NOT EXISTS authors (
    id TEXT PRIMARY KEY CHECK(length(id) = 64),
    first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Notebooks table: per-notebook monotonic sequence lives on the row
CREATE TABLE IF NOT EXISTS notebooks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL CHECK(length(name) <= 200),
    owner TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    current_sequence INTEGER NOT NULL DEFAULT 0,
    classification_level INTEGER NOT NULL DEFAULT 0,
    compartments TEXT NOT NULL DEFAULT '[]',
    review_threshold REAL NOT NULL DEFAULT 0.8,
    FOREIGN KEY (owner) REFERENCES authors(id)
);

CREATE INDEX IF NOT EXISTS idx_notebooks_owner ON notebooks(owner);

-- Access grants
CREATE TABLE IF NOT EXISTS notebook_access (
    notebook_id TEXT NOT NULL,
    author TEXT NOT NULL,
    tier INTEGER NOT NULL,
    granted_by TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (notebook_id, author),
    FOREIGN KEY (notebook_id) REFERENCES notebooks(id) ON DELETE CASCADE,
    FOREIGN KEY (author) REFERENCES authors(id)
);

CREATE INDEX IF NOT EXISTS idx_access_author ON notebook_access(author);

-- Entries table
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    notebook_id TEXT NOT NULL,
    sequence INTEGER NOT NULL CHECK(sequence > 0),
    content BLOB NOT NULL,
    content_type TEXT NOT NULL,
    original_content_type TEXT,
    topic TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL,
    signature BLOB,
    revision_of TEXT,
    refs TEXT NOT NULL DEFAULT '[]',
    fragment_of TEXT,
    fragment_index INTEGER,
    claims TEXT NOT NULL DEFAULT '[]',
    claims_status TEXT NOT NULL DEFAULT 'pending',
    comparisons TEXT NOT NULL DEFAULT '[]',
    expected_comparisons INTEGER NOT NULL DEFAULT 0,
    max_friction REAL,
    needs_review INTEGER NOT NULL DEFAULT 0,
    embedding BLOB,
    integration_status TEXT NOT NULL DEFAULT 'probation',
    review_status TEXT NOT NULL DEFAULT 'approved',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (notebook_id, sequence),
    FOREIGN KEY (notebook_id) REFERENCES notebooks(id) ON DELETE CASCADE,
    FOREIGN KEY (author) REFERENCES authors(id),
    CHECK ((fragment_of IS NULL) = (fragment_index IS NULL)),
    CHECK (fragment_index IS NULL OR fragment_index >= 0)
);

CREATE INDEX IF NOT EXISTS idx_entries_notebook_seq ON entries(notebook_id, sequence);
CREATE INDEX IF NOT EXISTS idx_entries_topic ON entries(notebook_id, topic);
CREATE INDEX IF NOT EXISTS idx_entries_author ON entries(author);
CREATE INDEX IF NOT EXISTS idx_entries_fragment_of ON entries(fragment_of);
CREATE INDEX IF NOT EXISTS idx_entries_claims_status ON entries(notebook_id, claims_status);
CREATE INDEX IF NOT EXISTS idx_entries_review_status ON entries(notebook_id, review_status);

-- Full-text index over entry content and topic (trigram for substring hits)
CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
    entry_id UNINDEXED,
    notebook_id UNINDEXED,
    content, topic,
    tokenize='trigram'
);

-- Jobs table: the per-notebook work queue
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    notebook_id TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    payload TEXT,
    result TEXT,
    error TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    claimed_at DATETIME,
    claimed_by TEXT,
    completed_at DATETIME,
    timeout_seconds INTEGER NOT NULL DEFAULT 120,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    priority INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (notebook_id) REFERENCES notebooks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(notebook_id, status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_reclaim ON jobs(notebook_id, status, claimed_at);

-- Subscriptions
CREATE TABLE IF NOT EXISTS notebook_subscriptions (
    id TEXT PRIMARY KEY,
    subscriber_notebook TEXT NOT NULL,
    source_notebook TEXT NOT NULL,
    scope TEXT NOT NULL DEFAULT 'claims',
    topic_filter TEXT NOT NULL DEFAULT '',
    discount_factor REAL NOT NULL DEFAULT 1.0 CHECK(discount_factor > 0 AND discount_factor <= 1),
    poll_interval_seconds INTEGER NOT NULL DEFAULT 60 CHECK(poll_interval_seconds >= 10),
    watermark INTEGER NOT NULL DEFAULT 0,
    sync_status TEXT NOT NULL DEFAULT '',
    mirrored_count INTEGER NOT NULL DEFAULT 0,
    approved_by TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_sync_at DATETIME,
    UNIQUE (subscriber_notebook, source_notebook),
    FOREIGN KEY (subscriber_notebook) REFERENCES notebooks(id) ON DELETE CASCADE,
    FOREIGN KEY (source_notebook) REFERENCES notebooks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_source ON notebook_subscriptions(source_notebook);

-- Mirrored claims: per-subscription shadows of source entries
CREATE TABLE IF NOT EXISTS mirrored_claims (
    id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    source_entry_id TEXT NOT NULL,
    source_sequence INTEGER NOT NULL,
    topic TEXT NOT NULL DEFAULT '',
    claims TEXT NOT NULL DEFAULT '[]',
    embedding BLOB,
    tombstoned INTEGER NOT NULL DEFAULT 0,
    mirrored_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME,
    UNIQUE (subscription_id, source_entry_id),
    FOREIGN KEY (subscription_id) REFERENCES notebook_subscriptions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_mirrored_source_entry ON mirrored_claims(source_entry_id);

-- Entry reviews
CREATE TABLE IF NOT EXISTS entry_reviews (
    id TEXT PRIMARY KEY,
    notebook_id TEXT NOT NULL,
    entry_id TEXT NOT NULL UNIQUE,
    submitter TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    reviewer TEXT,
    reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    decided_at DATETIME,
    FOREIGN KEY (notebook_id) REFERENCES notebooks(id) ON DELETE CASCADE,
    FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_reviews_notebook_status ON entry_reviews(notebook_id, status);

-- Audit log (append-only)
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    notebook_id TEXT,
    author TEXT,
    action TEXT NOT NULL,
    target_type TEXT,
    target_id TEXT,
    detail TEXT,
    ip TEXT,
    user_agent TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_notebook_time ON audit_log(notebook_id, time);
`
