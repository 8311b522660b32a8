package api

import (
	"context"

	"docsync/internal/models"
	"docsync/internal/services/collaboration"
)

/*
CONSUMER-DRIVEN INTERFACES

The handlers are the consumer of the tab manager, so the interface they
need lives here. Only the methods the handlers call are declared.
*/

// TabService opens, finds and closes tabs
type TabService interface {
	Open(ctx context.Context, opts ...collaboration.TabOption) (*collaboration.Tab, error)
	Get(id string) (*collaboration.Tab, error)
	List() []models.Tab
	Close(ctx context.Context, id string) error
}
