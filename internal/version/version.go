// Package version описывает сборку сервиса. Значения задаются через -ldflags:
//
//	-X github.com/vladislavdragonenkov/checkout/internal/version.version=v1.2.0
//	-X github.com/vladislavdragonenkov/checkout/internal/version.commit=abc123
//	-X github.com/vladislavdragonenkov/checkout/internal/version.date=2026-01-01T00:00:00Z
//
// Без ldflags commit и date берутся из VCS-меток, которые go build вшивает сам.
package version

import (
	"runtime/debug"
	"sync"
)

// Product — имя сервиса в User-Agent, client id Kafka и имени gRPC health-сервиса.
const Product = "checkout-service"

const unknown = "unknown"

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build — сведения о сборке.
type Build struct {
	Version string
	Commit  string
	Date    string
	// Modified: бинарник собран из рабочей копии с незакоммиченными изменениями.
	Modified bool
}

var current = sync.OnceValue(func() Build {
	b := Build{Version: version, Commit: commit, Date: date}
	if info, ok := debug.ReadBuildInfo(); ok {
		b = b.withVCS(info.Settings)
	}
	if b.Commit == "" {
		b.Commit = unknown
	}
	if b.Date == "" {
		b.Date = unknown
	}
	return b
})

// withVCS дополняет пустые поля метками vcs.*.
func (b Build) withVCS(settings []debug.BuildSetting) Build {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Date == "" {
				b.Date = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

// Current возвращает сведения о текущей сборке.
func Current() Build { return current() }

// GetVersion возвращает версию сборки.
func GetVersion() string { return current().Version }

// Fields — поля для структурного лога при старте.
func (b Build) Fields() map[string]any {
	return map[string]any{
		"version":  b.Version,
		"commit":   b.Commit,
		"built_at": b.Date,
		"dirty":    b.Modified,
	}
}

// UserAgent — значение заголовка User-Agent в запросах к провайдерам.
func UserAgent() string {
	return Product + "/" + current().Version
}
