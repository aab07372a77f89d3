// Package version хранит сведения о сборке, проставляемые через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/retail/internal/version.version=v1.2.0"
package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Service — имя сервиса в логах, health-ответах и заголовках.
const Service = "retail-service"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// String форматирует сведения о сборке одной строкой.
func String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", Service, version, shortCommit(), date)
}

// Fields возвращает сведения о сборке для стартового лога.
func Fields() log.Fields {
	return log.Fields{
		"service": Service,
		"version": version,
		"commit":  shortCommit(),
		"built":   date,
	}
}

func shortCommit() string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
