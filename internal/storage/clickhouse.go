package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/gosight/gosight/auditor/internal/config"
)

type ClickHouse struct {
	conn driver.Conn
}

// EventRow represents a row in the audit_events table
type EventRow struct {
	AuditID              string
	Timestamp            time.Time
	Type                 string
	Family               string
	Platform             string
	EventName            string
	Source               string
	PageURL              string
	PageHost             string
	Initiator            string
	Value                *float64
	Currency             string
	Identifiers          map[string]string
	IsFirstParty         uint8
	ServerSideConfigured uint8
	DedupIDPresent       uint8
	Payload              string
}

// ReportRow represents a row in the audit_reports table
type ReportRow struct {
	AuditID    string
	Timestamp  time.Time
	PageURL    string
	PageHost   string
	PageTitle  string
	HasGTM     uint8
	TagCount   uint32
	Detections string
}

// PageRow represents a row in the audit_pages table
type PageRow struct {
	PageURL         string
	PageHost        string
	FirstSeen       time.Time
	LastSeen        time.Time
	DurationMs      uint64
	EventsCount     uint32
	NetworkCount    uint32
	DataLayerCount  uint32
	UserActionCount uint32
	ServerSideCount uint32
	Platforms       map[string]uint32
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse %s: %w", cfg.Addr, err)
	}

	return &ClickHouse{conn: conn}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		audit_id String,
		timestamp DateTime64(3),
		type LowCardinality(String),
		family LowCardinality(String),
		platform LowCardinality(String),
		event_name String,
		source LowCardinality(String),
		page_url String,
		page_host String,
		initiator String,
		value Nullable(Float64),
		currency String,
		identifiers Map(String, String),
		is_first_party UInt8,
		server_side_configured UInt8,
		dedup_id_present UInt8,
		payload String
	) ENGINE = MergeTree ORDER BY (page_host, timestamp)`,
	`CREATE TABLE IF NOT EXISTS audit_reports (
		audit_id String,
		timestamp DateTime64(3),
		page_url String,
		page_host String,
		page_title String,
		has_gtm UInt8,
		tag_count UInt32,
		detections String
	) ENGINE = MergeTree ORDER BY (page_host, timestamp)`,
	`CREATE TABLE IF NOT EXISTS audit_pages (
		page_url String,
		page_host String,
		first_seen DateTime64(3),
		last_seen DateTime64(3),
		duration_ms UInt64,
		events_count UInt32,
		network_count UInt32,
		datalayer_count UInt32,
		user_action_count UInt32,
		server_side_count UInt32,
		platforms Map(String, UInt32)
	) ENGINE = ReplacingMergeTree(last_seen) ORDER BY (page_host, page_url)`,
}

// EnsureSchema creates the audit tables when they are missing.
func (c *ClickHouse) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (c *ClickHouse) InsertEvents(ctx context.Context, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO audit_events (
			audit_id, timestamp, type, family, platform, event_name, source,
			page_url, page_host, initiator, value, currency, identifiers,
			is_first_party, server_side_configured, dedup_id_present, payload
		)
	`)
	if err != nil {
		return err
	}

	for _, e := range events {
		err := batch.Append(
			e.AuditID, e.Timestamp, e.Type, e.Family, e.Platform, e.EventName, e.Source,
			e.PageURL, e.PageHost, e.Initiator, e.Value, e.Currency, e.Identifiers,
			e.IsFirstParty, e.ServerSideConfigured, e.DedupIDPresent, e.Payload,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) InsertReports(ctx context.Context, reports []ReportRow) error {
	if len(reports) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO audit_reports (
			audit_id, timestamp, page_url, page_host, page_title,
			has_gtm, tag_count, detections
		)
	`)
	if err != nil {
		return err
	}

	for _, r := range reports {
		err := batch.Append(
			r.AuditID, r.Timestamp, r.PageURL, r.PageHost, r.PageTitle,
			r.HasGTM, r.TagCount, r.Detections,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// UpsertPage writes a page summary. ReplacingMergeTree keeps the latest row
// per page.
func (c *ClickHouse) UpsertPage(ctx context.Context, p PageRow) error {
	platforms := p.Platforms
	if platforms == nil {
		platforms = map[string]uint32{}
	}
	return c.conn.Exec(ctx, `
		INSERT INTO audit_pages (
			page_url, page_host, first_seen, last_seen, duration_ms,
			events_count, network_count, datalayer_count, user_action_count,
			server_side_count, platforms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.PageURL, p.PageHost, p.FirstSeen, p.LastSeen, p.DurationMs,
		p.EventsCount, p.NetworkCount, p.DataLayerCount, p.UserActionCount,
		p.ServerSideCount, platforms,
	)
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
