package postgres

import (
	"cmp"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql/migrations"

// NNNN_name.up.sql / NNNN_name.down.sql
var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration — пара up/down скриптов одной версии схемы.
type Migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// Checksum — sha256 up-скрипта. Сохраняется при применении, чтобы заметить
// правку уже применённой миграции.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:])
}

func (m Migration) String() string { return fmt.Sprintf("%04d_%s", m.Version, m.Name) }

// EmbeddedMigrations возвращает миграции, вшитые в бинарник.
func EmbeddedMigrations() ([]Migration, error) {
	return ParseMigrations(embeddedMigrations, migrationsDir)
}

// ParseMigrations читает *.sql из dir и возвращает миграции по возрастанию версии.
// У каждой версии должны быть оба скрипта, непустые и с одинаковым именем.
func ParseMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	found := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		parts := migrationName.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("migration %q: name must look like 0001_name.up.sql", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", entry.Name(), err)
		}
		script := strings.TrimSpace(string(raw))
		if script == "" {
			return nil, fmt.Errorf("migration %q is empty", entry.Name())
		}

		m := found[version]
		if m == nil {
			m = &Migration{Version: version, Name: parts[2]}
			found[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("version %d has two names: %s and %s", version, m.Name, parts[2])
		}
		slot := &m.Up
		if parts[3] == "down" {
			slot = &m.Down
		}
		if *slot != "" {
			return nil, fmt.Errorf("version %d has two %s scripts", version, parts[3])
		}
		*slot = script
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}

	out := make([]Migration, 0, len(found))
	for _, m := range found {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down scripts", m)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
