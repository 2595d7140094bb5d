package archive

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"tilecache/internal/store"
	"tilecache/internal/tilekey"
)

func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SQLiteArchive reads databases written in the osmdroid cache schema,
// the same layout store.SQLiteStore produces.
type SQLiteArchive struct {
	path string
	db   *sql.DB
}

func OpenSQLite(path string) (*SQLiteArchive, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite archive: %w", err)
	}
	return &SQLiteArchive{path: path, db: db}, nil
}

func (a *SQLiteArchive) Name() string {
	return a.path
}

func (a *SQLiteArchive) Tile(source string, key tilekey.Key) ([]byte, error) {
	var row *sql.Row
	if source == "" {
		row = a.db.QueryRow(`SELECT tile FROM tiles WHERE key = ? LIMIT 1`, store.SQLiteIndex(key))
	} else {
		row = a.db.QueryRow(`SELECT tile FROM tiles WHERE key = ? AND provider = ?`, store.SQLiteIndex(key), source)
	}

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sqlite archive %s: %w", a.path, err)
	}
	return data, nil
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// MBTilesArchive reads MBTiles files. Rows are stored in TMS order, so
// the y axis is flipped. MBTiles holds a single tileset, source is ignored.
type MBTilesArchive struct {
	path string
	db   *sql.DB
}

func OpenMBTiles(path string) (*MBTilesArchive, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("open mbtiles archive: %w", err)
	}
	return &MBTilesArchive{path: path, db: db}, nil
}

func (a *MBTilesArchive) Name() string {
	return a.path
}

func (a *MBTilesArchive) Tile(source string, key tilekey.Key) ([]byte, error) {
	z, x, y := tilekey.Unpack(key)
	tmsY := (1 << z) - 1 - y

	var data []byte
	err := a.db.QueryRow(`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		z, x, tmsY).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mbtiles archive %s: %w", a.path, err)
	}
	return data, nil
}

func (a *MBTilesArchive) Close() error {
	return a.db.Close()
}
