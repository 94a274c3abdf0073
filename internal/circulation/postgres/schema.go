package postgres

// schema is applied by Migrate. Open borrows per copy and pending
// reservations per borrower and book are unique at the storage level too.
const schema = `
CREATE TABLE IF NOT EXISTS copies (
	id UUID PRIMARY KEY,
	book_id UUID NOT NULL,
	barcode TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('AVAILABLE', 'BORROWED')),
	removed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT copies_barcode_key UNIQUE (barcode)
);
CREATE INDEX IF NOT EXISTS copies_book_idx ON copies (book_id, id);

CREATE TABLE IF NOT EXISTS borrows (
	id UUID PRIMARY KEY,
	borrower_id UUID NOT NULL,
	copy_id UUID NOT NULL REFERENCES copies (id),
	book_id UUID NOT NULL,
	reservation_id UUID,
	status TEXT NOT NULL CHECK (status IN ('PENDING', 'ACTIVE', 'RETURNED', 'CANCELLED')),
	created_at TIMESTAMPTZ NOT NULL,
	borrowed_at TIMESTAMPTZ,
	pickup_deadline TIMESTAMPTZ NOT NULL,
	due_date TIMESTAMPTZ NOT NULL,
	returned_at TIMESTAMPTZ,
	deposit_fee BIGINT NOT NULL DEFAULT 0,
	deposit_paid BOOLEAN NOT NULL DEFAULT FALSE,
	fine NUMERIC(14, 2) NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS borrows_open_copy_uidx ON borrows (copy_id) WHERE status IN ('PENDING', 'ACTIVE');
CREATE INDEX IF NOT EXISTS borrows_borrower_idx ON borrows (borrower_id, created_at DESC);
CREATE INDEX IF NOT EXISTS borrows_book_idx ON borrows (book_id, status);
CREATE INDEX IF NOT EXISTS borrows_pickup_idx ON borrows (pickup_deadline) WHERE status = 'PENDING';

CREATE TABLE IF NOT EXISTS reservations (
	id UUID PRIMARY KEY,
	borrower_id UUID NOT NULL,
	book_id UUID NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PENDING', 'FULFILLED', 'CANCELLED', 'EXPIRED')),
	reserved_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	fulfilled_at TIMESTAMPTZ,
	borrow_id UUID REFERENCES borrows (id),
	deposit_fee BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS reservations_pending_uidx ON reservations (borrower_id, book_id) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS reservations_queue_idx ON reservations (book_id, reserved_at, id) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS reservations_expiry_idx ON reservations (expires_at) WHERE status = 'PENDING';
`
