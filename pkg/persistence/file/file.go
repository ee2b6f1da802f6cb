// Package file provides a file-based persistence implementation for flows,
// executions, and schedules. It is intended for local development and tests;
// single-flight and transactional completion are emulated with a process-wide
// mutex instead of database constraints.
package file

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/openintel/flowd/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root          string
	mu            sync.Mutex
	flowRepo      *FlowRepository
	executionRepo *ExecutionRepository
	scheduleRepo  *ScheduleRepository
}

// NewPersistence creates a new instance of Persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.flowRepo = NewFlowRepository(cleanRoot, &p.mu)
	p.executionRepo = NewExecutionRepository(cleanRoot, &p.mu, p.flowRepo)
	p.scheduleRepo = NewScheduleRepository(cleanRoot, &p.mu)

	return p
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) Flows() persistence.FlowRepository {
	return fp.flowRepo
}

func (fp *Persistence) Executions() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) Schedules() persistence.ScheduleRepository {
	return fp.scheduleRepo
}
