package schema

// Objects of the users schema, in creation order.
var (
	UUIDExtension = Object{
		Kind:   KindExtension,
		Name:   "uuid-ossp",
		Create: `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,
		Drop:   `DROP EXTENSION IF EXISTS "uuid-ossp"`,
	}

	UpdatedAtFunction = Object{
		Kind: KindFunction,
		Name: "update_updated_at_column",
		Create: `CREATE OR REPLACE FUNCTION update_updated_at_column()
RETURNS TRIGGER AS $$
BEGIN
    NEW.updated_at = now();
    RETURN NEW;
END;
$$ language 'plpgsql'`,
		Drop: `DROP FUNCTION IF EXISTS update_updated_at_column()`,
	}

	UsersTable = Object{
		Kind: KindTable,
		Name: "users",
		Create: `CREATE TABLE IF NOT EXISTS users (
    id SERIAL PRIMARY KEY,
    pid UUID UNIQUE NOT NULL DEFAULT uuid_generate_v4(),
    email VARCHAR(255) UNIQUE NOT NULL,
    name VARCHAR(255) NOT NULL,
    password VARCHAR(255) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		Drop: `DROP TABLE IF EXISTS users`,
	}

	EmailIndex = Object{
		Kind:   KindIndex,
		Name:   "idx_users_email",
		Create: `CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,
		Drop:   `DROP INDEX IF EXISTS idx_users_email`,
	}

	PidIndex = Object{
		Kind:   KindIndex,
		Name:   "idx_users_pid",
		Create: `CREATE INDEX IF NOT EXISTS idx_users_pid ON users(pid)`,
		Drop:   `DROP INDEX IF EXISTS idx_users_pid`,
	}

	UpdatedAtTrigger = Object{
		Kind:  KindTrigger,
		Name:  "update_users_updated_at",
		Table: "users",
		Create: `CREATE TRIGGER update_users_updated_at
    BEFORE UPDATE ON users
    FOR EACH ROW
    EXECUTE FUNCTION update_updated_at_column()`,
		Drop: `DROP TRIGGER IF EXISTS update_users_updated_at ON users`,
	}

	// UpdatedAtCheck replaces the trigger once the store assigns timestamps.
	UpdatedAtCheck = Object{
		Kind:   KindConstraint,
		Name:   "users_updated_at_check",
		Table:  "users",
		Create: `ALTER TABLE users ADD CONSTRAINT users_updated_at_check CHECK (updated_at >= created_at)`,
		Drop:   `ALTER TABLE users DROP CONSTRAINT IF EXISTS users_updated_at_check`,
	}
)

// InitObjects is the initial users schema.
func InitObjects() []Object {
	return []Object{UUIDExtension, UpdatedAtFunction, UsersTable, EmailIndex, PidIndex, UpdatedAtTrigger}
}
