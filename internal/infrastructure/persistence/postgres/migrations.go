package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE ATTEMPTS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create attempts table
-- Version: 001

CREATE TABLE IF NOT EXISTS attempts (
    id VARCHAR(64) PRIMARY KEY,
    exam_id VARCHAR(128) NOT NULL,
    student_id VARCHAR(128) NOT NULL,
    attempt_number INTEGER NOT NULL,
    status VARCHAR(20) NOT NULL,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    duration_minutes INTEGER NOT NULL,
    -- started_at + duration, stored so the expiry scan can use an index
    deadline_at TIMESTAMP WITH TIME ZONE NOT NULL,
    allow_pause BOOLEAN NOT NULL DEFAULT FALSE,
    submitted_at TIMESTAMP WITH TIME ZONE,
    version BIGINT NOT NULL DEFAULT 0,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    deleted_at TIMESTAMP WITH TIME ZONE,

    -- Sweeper claim marker; never bumps version
    claimed_by VARCHAR(64),
    claim_expires_at TIMESTAMP WITH TIME ZONE,

    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_attempt_status CHECK (status IN (
        'IN_PROGRESS', 'PAUSED',
        'SUBMITTED', 'AUTO_SUBMITTED', 'ABANDONED', 'CANCELLED',
        'UNDER_REVIEW', 'COMPLETED', 'GRADED'
    )),
    CONSTRAINT valid_attempt_number CHECK (attempt_number > 0),
    CONSTRAINT valid_duration CHECK (duration_minutes > 0),
    CONSTRAINT submitted_at_iff_closed CHECK (
        (status IN ('IN_PROGRESS', 'PAUSED')) = (submitted_at IS NULL)
    )
);

-- At most one active attempt per (exam, student); backstop for the advisory lock
CREATE UNIQUE INDEX IF NOT EXISTS uq_attempts_one_active
    ON attempts(exam_id, student_id)
    WHERE status IN ('IN_PROGRESS', 'PAUSED') AND NOT deleted;

CREATE UNIQUE INDEX IF NOT EXISTS uq_attempts_number
    ON attempts(exam_id, student_id, attempt_number)
    WHERE NOT deleted;

CREATE INDEX IF NOT EXISTS idx_attempts_expiry
    ON attempts(deadline_at, id)
    WHERE status = 'IN_PROGRESS' AND NOT deleted;

CREATE INDEX IF NOT EXISTS idx_attempts_student ON attempts(student_id, exam_id);
`

const migration001Down = `
DROP TABLE IF EXISTS attempts;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE ATTEMPT ANSWERS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create attempt answers
-- Version: 002

CREATE TABLE IF NOT EXISTS attempt_answers (
    attempt_id VARCHAR(64) NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
    question_id VARCHAR(128) NOT NULL,
    response JSONB,
    answered_at TIMESTAMP WITH TIME ZONE NOT NULL,

    PRIMARY KEY (attempt_id, question_id)
);
`

const migration002Down = `
DROP TABLE IF EXISTS attempt_answers;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: CREATE OUTBOX EVENTS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
-- Migration: Create event outbox
-- Version: 003

CREATE TABLE IF NOT EXISTS outbox_events (
    id VARCHAR(64) PRIMARY KEY,
    topic VARCHAR(255) NOT NULL,
    message_key VARCHAR(255) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    payload JSONB NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    delivered_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT valid_outbox_status CHECK (status IN ('pending', 'delivered', 'dead'))
);

CREATE INDEX IF NOT EXISTS idx_outbox_due
    ON outbox_events(next_attempt_at, created_at)
    WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_outbox_dead
    ON outbox_events(created_at)
    WHERE status = 'dead';
`

const migration003Down = `
DROP TABLE IF EXISTS outbox_events;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: SWEEP PAUSED ATTEMPTS, UNBOUNDED CLAIM OWNER
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
-- Migration: Expiry scan covers paused attempts; claim owner is free length
-- Version: 004

ALTER TABLE attempts ALTER COLUMN claimed_by TYPE TEXT;

DROP INDEX IF EXISTS idx_attempts_expiry;
CREATE INDEX IF NOT EXISTS idx_attempts_expiry
    ON attempts(deadline_at, id)
    WHERE status IN ('IN_PROGRESS', 'PAUSED') AND NOT deleted;
`

const migration004Down = `
DROP INDEX IF EXISTS idx_attempts_expiry;
CREATE INDEX IF NOT EXISTS idx_attempts_expiry
    ON attempts(deadline_at, id)
    WHERE status = 'IN_PROGRESS' AND NOT deleted;

ALTER TABLE attempts ALTER COLUMN claimed_by TYPE VARCHAR(64) USING left(claimed_by, 64);
`
