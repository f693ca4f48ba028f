package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benhollis/remotegw/internal/featurecache"
	"github.com/benhollis/remotegw/internal/session"
)

type filePayload struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type terminalCreatePayload struct {
	Cols int               `json:"cols"`
	Rows int               `json:"rows"`
	Cwd  string            `json:"cwd"`
	Env  map[string]string `json:"env"`
	Name string            `json:"name"`
}

type terminalTargetPayload struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type assistantSpawnPayload struct {
	InstanceID       string `json:"instanceId"`
	WorkingDirectory string `json:"workingDirectory"`
	InstanceName     string `json:"instanceName"`
	Config           struct {
		CustomInstructions string `json:"customInstructions"`
	} `json:"config"`
}

type assistantTargetPayload struct {
	InstanceID string `json:"instanceId"`
	Data       string `json:"data"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type syncPushPayload struct {
	Patches    json.RawMessage `json:"patches"`
	Compressed bool            `json:"compressed"`
}

type syncPullPayload struct {
	Since *string  `json:"since"`
	Types []string `json:"types"`
}

type terminalListEntry struct {
	TerminalID    string `json:"terminalId"`
	Name          string `json:"name,omitempty"`
	Status        string `json:"status,omitempty"`
	HostOwned     bool   `json:"hostOwned"`
	CurrentBuffer string `json:"currentBuffer,omitempty"`
}

func decodePayload(payload json.RawMessage, into any) error {
	if len(payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(payload, into)
}

// buildVerbTable binds every verb to its component with its required
// permission and fallback error code.
func (d *Dispatcher) buildVerbTable() map[string]verbSpec {
	return map[string]verbSpec{
		"file:read": {session.FileRead, CodeReadError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p filePayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			content, err := d.deps.Files.Read(p.Path, p.Encoding)
			if err != nil {
				return nil, err
			}
			return map[string]any{"content": content}, nil
		}},
		"file:write": {session.FileWrite, CodeWriteError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p filePayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if err := d.deps.Files.Write(p.Path, p.Content, p.Encoding); err != nil {
				return nil, err
			}
			return map[string]any{"written": true}, nil
		}},
		"file:list": {session.FileRead, CodeListError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p filePayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			entries, err := d.deps.Files.List(p.Path)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": entries}, nil
		}},
		"file:delete": {session.FileDelete, CodeDeleteError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p filePayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if err := d.deps.Files.Delete(p.Path); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true}, nil
		}},
		"file:stat": {session.FileRead, CodeStatError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p filePayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			return d.deps.Files.Stat(p.Path)
		}},
		"file:watch": {session.FileRead, CodeWatchError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p filePayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if err := d.deps.Files.Watch(socketID, p.Path); err != nil {
				return nil, err
			}
			return map[string]any{"watching": true}, nil
		}},

		"terminal:create": {session.TerminalCreate, CodeCreateError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p terminalCreatePayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			cwd := p.Cwd
			if cwd == "" {
				cwd = d.deps.Workspace.Path()
			}
			id, err := d.deps.Terminals.Create(sess.UserID, socketID, p.Cols, p.Rows, cwd, buildTerminalEnv(p.Env), p.Name)
			if err != nil {
				return nil, err
			}
			return map[string]any{"terminalId": id}, nil
		}},
		"terminal:write": {session.TerminalWrite, CodeWriteError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p terminalTargetPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if err := d.deps.Terminals.Write(socketID, p.TerminalID, []byte(p.Data)); err != nil {
				return nil, err
			}
			return map[string]any{"written": true}, nil
		}},
		"terminal:resize": {session.TerminalWrite, CodeResizeError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p terminalTargetPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if err := d.deps.Terminals.Resize(socketID, p.TerminalID, p.Cols, p.Rows); err != nil {
				return nil, err
			}
			return map[string]any{"resized": true}, nil
		}},
		"terminal:destroy": {session.TerminalWrite, CodeDestroyError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p terminalTargetPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if err := d.deps.Terminals.Destroy(sess.UserID, socketID, p.TerminalID); err != nil {
				return nil, err
			}
			return map[string]any{"destroyed": true}, nil
		}},
		"terminal:list": {session.TerminalCreate, CodeListError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			infos := d.deps.Terminals.List(ctx, sess.UserID)
			out := make([]terminalListEntry, 0, len(infos))
			for _, info := range infos {
				entry := terminalListEntry{
					TerminalID: info.ID,
					Name:       info.Name,
					Status:     info.Status,
					HostOwned:  info.HostOwned,
				}
				if len(info.CurrentBuffer) > 0 {
					entry.CurrentBuffer = base64.StdEncoding.EncodeToString(info.CurrentBuffer)
				}
				out = append(out, entry)
			}
			return map[string]any{"terminals": out}, nil
		}},

		"assistant:spawn": {session.AssistantSpawn, CodeSpawnError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p assistantSpawnPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if p.InstanceID == "" {
				return nil, fmt.Errorf("instanceId is required")
			}
			pid, err := d.deps.Assistants.Spawn(ctx, sess.UserID, socketID, p.InstanceID, p.WorkingDirectory, p.InstanceName, sess.WorkspaceID, p.Config.CustomInstructions)
			if err != nil {
				return nil, err
			}
			return map[string]any{"instanceId": p.InstanceID, "pid": pid}, nil
		}},
		"assistant:send": {session.AssistantControl, CodeSendError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p assistantTargetPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if err := d.deps.Assistants.Send(ctx, sess.UserID, socketID, p.InstanceID, []byte(p.Data)); err != nil {
				return nil, err
			}
			return map[string]any{"sent": true}, nil
		}},
		"assistant:resize": {session.AssistantControl, CodeResizeError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p assistantTargetPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if err := d.deps.Assistants.Resize(sess.UserID, socketID, p.InstanceID, p.Cols, p.Rows); err != nil {
				return nil, err
			}
			return map[string]any{"resized": true}, nil
		}},
		"assistant:stop": {session.AssistantControl, CodeStopError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p assistantTargetPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if err := d.deps.Assistants.Stop(ctx, sess.UserID, socketID, p.InstanceID); err != nil {
				return nil, err
			}
			return map[string]any{"stopped": true}, nil
		}},
		"assistant:configureTerminal": {session.AssistantControl, CodeConfigureError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p assistantTargetPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			if p.Cols <= 0 || p.Rows <= 0 {
				return nil, fmt.Errorf("cols and rows must be positive")
			}
			if err := d.deps.Assistants.ConfigureTerminal(ctx, socketID, p.InstanceID, p.Cols, p.Rows); err != nil {
				return nil, err
			}
			return map[string]any{"configured": true}, nil
		}},
		"assistant:getInstances": {session.AssistantControl, CodeGetError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			return map[string]any{"instances": d.deps.Assistants.GetInstances(sess.UserID)}, nil
		}},
		"assistant:listHost": {session.AssistantControl, CodeListError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			infos, err := d.deps.Assistants.ListHost(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"instances": infos}, nil
		}},
		"assistant:getBuffer": {session.AssistantControl, CodeGetBufferError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p assistantTargetPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			buf, err := d.deps.Assistants.GetBuffer(ctx, socketID, p.InstanceID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"buffer": base64.StdEncoding.EncodeToString(buf)}, nil
		}},

		"sync:push": {session.WorkspaceManage, CodeSyncError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p syncPushPayload
			if err := decodePayload(payload, &p); err != nil {
				return nil, err
			}
			n, err := d.deps.Sync.Push(sess, p.Patches, p.Compressed)
			if err != nil {
				return nil, err
			}
			return map[string]any{"received": n}, nil
		}},
		"sync:pull": {"", CodeSyncError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var p syncPullPayload
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &p); err != nil {
					return nil, err
				}
			}
			var since *time.Time
			if p.Since != nil && *p.Since != "" {
				t, err := time.Parse(time.RFC3339Nano, *p.Since)
				if err != nil {
					return nil, fmt.Errorf("parse since cursor: %w", err)
				}
				since = &t
			}
			patches, compressed := d.deps.Sync.Pull(sess, since, p.Types)
			return map[string]any{"patches": patches, "compressed": compressed}, nil
		}},
		"sync:status": {"", CodeSyncError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			return d.deps.Sync.Status(sess), nil
		}},

		"workspace:get": {"", CodeWorkspaceError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			return d.deps.Workspace.Get(), nil
		}},

		"features:get": {"", CodeFeaturesError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			return d.deps.Features.Get(ctx)
		}},
		"features:store": {"", CodeStoreError, func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error) {
			var desc featurecache.Descriptor
			if err := decodePayload(payload, &desc); err != nil {
				return nil, err
			}
			d.deps.Features.Store(desc)
			return map[string]any{"stored": true}, nil
		}},
	}
}

// buildTerminalEnv flattens the request's env map and pins the terminal
// type variables last, per the spawn contract.
func buildTerminalEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+2)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	out = append(out, "TERM=xterm-256color", "COLORTERM=truecolor")
	return out
}
