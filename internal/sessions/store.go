package sessions

import (
	"context"

	"github.com/mxf/agent-runtime/pkg/models"
)

// Store is the interface for session persistence (the external document
// store collaborator per spec §1 sits behind this interface; no concrete
// SQL driver is implemented here).
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error

	GetByKey(ctx context.Context, key string) (*models.Session, error)
	GetOrCreate(ctx context.Context, key string, agentID string, channelID string) (*models.Session, error)
	List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	ChannelID string
	Limit     int
	Offset    int
}

// SessionKey builds a unique session key scoped to agent and channel.
func SessionKey(agentID, channelID string) string {
	return agentID + ":" + channelID
}
