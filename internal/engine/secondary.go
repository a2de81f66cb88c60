package engine

import (
	"strconv"

	"flapi/internal/config"
	"flapi/internal/db"
	"flapi/internal/logging"
)

// secondaryRegistry holds the named connections that are not the primary
// DuckDB handle — an operator-declared mssql or sqlite source, reached
// via the retained db.Driver path rather than a DuckDB ATTACH. A
// connection is only registered here when its Properties map names a
// recognized secondary type; every other connection is assumed to be
// reachable through the primary engine's own init SQL (e.g. an ATTACH
// via a DuckDB extension) and is never registered.
type secondaryRegistry struct {
	drivers map[string]db.Driver
}

func newSecondaryRegistry() *secondaryRegistry {
	return &secondaryRegistry{drivers: make(map[string]db.Driver)}
}

func (r *secondaryRegistry) get(name string) (db.Driver, bool) {
	d, ok := r.drivers[name]
	return d, ok
}

func (r *secondaryRegistry) closeAll() {
	for name, d := range r.drivers {
		if err := d.Close(); err != nil {
			logging.Warn("secondary connection close failed", map[string]any{"connection": name, "error": err.Error()})
		}
	}
}

// registerSecondaryConnections inspects every connection's Properties
// map for a "type" of "sqlserver" or "sqlite" and, when present, builds
// and opens a db.Driver for it. Connections with no recognized secondary
// type are left for the primary engine's own init SQL to reach.
func registerSecondaryConnections(conns map[string]config.ConnectionConfig) *secondaryRegistry {
	reg := newSecondaryRegistry()
	for name, c := range conns {
		dbType := c.Properties["type"]
		if dbType != "sqlserver" && dbType != "sqlite" {
			continue
		}
		dcfg := databaseConfigFromProperties(name, dbType, c.Properties)
		driver, err := db.NewDriver(dcfg)
		if err != nil {
			logging.Warn("secondary connection open failed", map[string]any{"connection": name, "type": dbType, "error": err.Error()})
			continue
		}
		reg.drivers[name] = driver
	}
	return reg
}

func databaseConfigFromProperties(name, dbType string, props map[string]string) db.DatabaseConfig {
	cfg := db.DatabaseConfig{Name: name, Type: dbType, Path: props["path"], Host: props["host"], User: props["user"], Password: props["password"], Database: props["database"]}
	if port, err := strconv.Atoi(props["port"]); err == nil {
		cfg.Port = port
	}
	if ro, err := strconv.ParseBool(props["readonly"]); err == nil {
		cfg.ReadOnly = &ro
	}
	cfg.JournalMode = props["journal_mode"]
	return cfg
}
