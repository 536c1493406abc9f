package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- CONVERSATION TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS conversation SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS owner ON conversation TYPE string;
    DEFINE FIELD IF NOT EXISTS title ON conversation TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON conversation TYPE datetime;
    DEFINE FIELD IF NOT EXISTS updated_at ON conversation TYPE datetime;

    -- Sidebar listing: newest activity first, per owner
    DEFINE INDEX IF NOT EXISTS conversation_owner_updated ON conversation FIELDS owner, updated_at;

    -- ==========================================================================
    -- MESSAGE TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS message SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS conversation ON message TYPE record<conversation>;
    DEFINE FIELD IF NOT EXISTS owner ON message TYPE string;
    DEFINE FIELD IF NOT EXISTS role ON message TYPE string ASSERT $value IN ["user", "assistant"];
    DEFINE FIELD IF NOT EXISTS content ON message TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON message TYPE datetime;

    -- Reload order is created_at ascending within a conversation
    DEFINE INDEX IF NOT EXISTS message_conversation ON message FIELDS conversation, created_at;
    DEFINE INDEX IF NOT EXISTS message_owner ON message FIELDS owner;
`
