package sqlgateway

import "time"

// Dialect identifies the engine family behind an adapter.
type Dialect string

const (
	DialectPostgres  Dialect = "postgres"
	DialectMySQL     Dialect = "mysql"
	DialectSQLite    Dialect = "sqlite"
	DialectSQLServer Dialect = "sqlserver"
	DialectOracle    Dialect = "oracle"
)

// Row maps column names to values. Column order is carried by QueryResult.Columns.
type Row map[string]any

// QueryResult holds the rows returned by one statement.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      []Row    `json:"rows"`
	RowCount  int      `json:"rowCount"`
	Truncated bool     `json:"truncated,omitempty"`
}

// QueryOptions controls ExecuteQuery.
type QueryOptions struct {
	// RowCap is the maximum number of rows returned. Negative means the
	// gateway's configured ceiling; zero returns no rows.
	RowCap              int
	ExcludeLargeColumns bool
}

// SampleOptions controls SampleTableData. Unlike QueryOptions.RowCap, a Limit
// of zero or less means DefaultSampleSize rather than no rows.
type SampleOptions struct {
	Limit               int
	Random              bool
	ExcludeLargeColumns bool
}

type ColumnInfo struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Length     *int64  `json:"length,omitempty"`
	Precision  *int64  `json:"precision,omitempty"`
	Scale      *int64  `json:"scale,omitempty"`
	Nullable   bool    `json:"nullable"`
	Default    *string `json:"default,omitempty"`
	PrimaryKey bool    `json:"primaryKey"`
	ForeignKey bool    `json:"foreignKey"`
}

type TableInfo struct {
	Name     string       `json:"name"`
	Schema   string       `json:"schema"`
	RowCount int64        `json:"rowCount"`
	Columns  []ColumnInfo `json:"columns"`
}

type SchemaInfo struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

type ViewInfo struct {
	Name      string `json:"name"`
	Schema    string `json:"schema"`
	Updatable bool   `json:"updatable"`
}

type ViewDefinition struct {
	Name       string `json:"name"`
	Schema     string `json:"schema"`
	Definition string `json:"definition"`
}

type IndexInfo struct {
	Name    string   `json:"name"`
	Schema  string   `json:"schema"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
	Primary bool     `json:"primary"`
	Type    string   `json:"type,omitempty"`
}

type ForeignKeyInfo struct {
	Name              string   `json:"name"`
	Schema            string   `json:"schema"`
	Table             string   `json:"table"`
	Columns           []string `json:"columns"`
	ReferencedSchema  string   `json:"referencedSchema"`
	ReferencedTable   string   `json:"referencedTable"`
	ReferencedColumns []string `json:"referencedColumns"`
	OnUpdate          string   `json:"onUpdate,omitempty"`
	OnDelete          string   `json:"onDelete,omitempty"`
}

type StoredProcedureInfo struct {
	Name       string `json:"name"`
	Schema     string `json:"schema"`
	Type       string `json:"type"`
	ReturnType string `json:"returnType,omitempty"`
	Language   string `json:"language,omitempty"`
}

// TableStatistics carries the engine-reported size and activity numbers for a
// table. Fields an engine does not report stay zero; anything engine-specific
// lands in Extra.
type TableStatistics struct {
	Table          string         `json:"table"`
	Schema         string         `json:"schema"`
	RowCount       int64          `json:"rowCount"`
	DataSizeBytes  int64          `json:"dataSizeBytes,omitempty"`
	IndexSizeBytes int64          `json:"indexSizeBytes,omitempty"`
	TotalSizeBytes int64          `json:"totalSizeBytes,omitempty"`
	IndexCount     int            `json:"indexCount,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// ExplainPlan is the engine's own plan output. Plan holds the text form
// (JSON, XML or formatted text depending on the engine); Rows keeps the
// tabular form when the engine returns one.
type ExplainPlan struct {
	Dialect Dialect `json:"dialect"`
	Format  string  `json:"format"`
	Plan    string  `json:"plan"`
	Rows    []Row   `json:"rows,omitempty"`
}

// StreamingMode tells callers how ExecuteQueryStream delivers batches.
type StreamingMode string

const (
	// StreamCursor fetches each batch from a server-side cursor.
	StreamCursor StreamingMode = "cursor"
	// StreamIncremental reads rows off the wire as the consumer asks for them.
	StreamIncremental StreamingMode = "incremental"
	// StreamBuffered fetches the whole result first and re-slices it.
	StreamBuffered StreamingMode = "buffered"
)

// ConnectionConfig is the resolved per-engine connection configuration.
type ConnectionConfig struct {
	// Name labels the adapter instance in logs and cache keys.
	Name     string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	// Path is the database file for SQLite.
	Path string
	// Schema overrides the engine's default schema.
	Schema string
	// SSLMode is passed to Postgres.
	SSLMode string
	// Flavor distinguishes MySQL from MariaDB.
	Flavor string
	// Options are appended to the DSN verbatim.
	Options map[string]string
}

// PoolConfig sizes the per-adapter connection pool.
type PoolConfig struct {
	Min            int
	Max            int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
}

// RetryConfig bounds connection-establishment retries.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
}
