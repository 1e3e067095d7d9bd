package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
)

// Command names accepted on the command topic.
const (
	CommandCheck    = "check"
	CommandInstall  = "install"
	CommandRollback = "rollback"
	CommandResolve  = "resolve"
)

const commandTimeout = time.Minute

// Commander runs the operator commands that may arrive over MQTT.
type Commander interface {
	Check(ctx context.Context) ([]model.UpdateDescriptor, error)
	Install(ctx context.Context, version string) error
	Rollback(ctx context.Context) error
	Resolve(ctx context.Context) error
}

// Command is the optional JSON body of a command message.
type Command struct {
	RequestID string `json:"requestId,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Reply reports the outcome of a command on its reply topic.
type Reply struct {
	RequestID string                   `json:"requestId"`
	Command   string                   `json:"command"`
	OK        bool                     `json:"ok"`
	Error     string                   `json:"error,omitempty"`
	Kind      string                   `json:"kind,omitempty"`
	Pending   []model.UpdateDescriptor `json:"pending,omitempty"`
	Time      time.Time                `json:"time"`
}

var errUnknownCommand = errors.New("unknown command")

// handleCommand is the MessageHandler for the command wildcard. Install
// and rollback are acknowledged once started; their progress follows on
// the event topics.
func (n *MQTTNotifier) handleCommand(ctx context.Context, topic string, payload []byte) {
	name := path.Base(topic)
	var cmd Command
	var err error
	if len(payload) > 0 {
		if uerr := json.Unmarshal(payload, &cmd); uerr != nil {
			err = fmt.Errorf("decode command: %w", uerr)
		}
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	reply := Reply{RequestID: cmd.RequestID, Command: name}
	if err == nil {
		reply.Pending, err = n.run(ctx, name, cmd)
	}
	reply.Time = time.Now().UTC()
	if err != nil {
		reply.Error = err.Error()
		reply.Kind = core.KindOf(err)
		n.log.Warn("Remote command failed", "command", name, "requestId", cmd.RequestID, "error", err)
	} else {
		reply.OK = true
		n.log.Info("Remote command accepted", "command", name, "requestId", cmd.RequestID, "version", cmd.Version)
	}

	data, merr := json.Marshal(reply)
	if merr != nil {
		n.log.Error(merr, "Failed to marshal command reply", "command", name)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if perr := n.client.Publish(pctx, n.topics.Reply(n.instance, name), 1, false, data); perr != nil {
		n.log.Warn("Failed to publish command reply", "command", name, "error", perr)
	}
}

func (n *MQTTNotifier) run(ctx context.Context, name string, cmd Command) ([]model.UpdateDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch name {
	case CommandCheck:
		return n.commander.Check(ctx)
	case CommandInstall:
		return nil, n.commander.Install(ctx, cmd.Version)
	case CommandRollback:
		return nil, n.commander.Rollback(ctx)
	case CommandResolve:
		return nil, n.commander.Resolve(ctx)
	default:
		return nil, fmt.Errorf("%w %q", errUnknownCommand, name)
	}
}
