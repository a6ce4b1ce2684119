// CLAUDE:SUMMARY Script event log schema.
package events

import "database/sql"

// Schema holds the script event log. Timestamps are epoch millis.
const Schema = `
CREATE TABLE IF NOT EXISTS script_events (
    event_id   TEXT PRIMARY KEY,
    timestamp  INTEGER NOT NULL,
    tab_key    TEXT NOT NULL,
    page_url   TEXT NOT NULL DEFAULT '',
    script_url TEXT NOT NULL DEFAULT '',
    op         TEXT NOT NULL,
    phase      TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_script_events_time ON script_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_script_events_tab ON script_events(tab_key, timestamp DESC);
`

// ApplySchema creates the event tables on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
