package agentd

// Application-wide defaults referenced by the config loader and the db layer.
const (
	DefaultAppName      = "agentd"
	DefaultConfigPath   = "/etc/agentd"
	DefaultCacheDir     = ".agentd/cache"
	DefaultDatabaseDir  = ".agentd/db"
	DefaultDatabaseDSN  = "file:.agentd/db/agentd.db"
	DefaultDatabaseType = "libsql"
)
