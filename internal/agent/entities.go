package agent

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/quillhq/quill/pkg/models"
)

// pathArgKeys are argument names whose string values are treated as
// filesystem paths.
var pathArgKeys = map[string]struct{}{
	"path": {}, "dest": {}, "file": {}, "filename": {}, "dir": {}, "directory": {},
}

// updateRecentEntities derives recent-entity records from a successful tool
// call's arguments and records them in the tracker.
func updateRecentEntities(tracker entityTracker, call models.ToolCall, result models.ToolResult) {
	if !result.Success {
		return
	}

	switch call.Name {
	case "web":
		if raw, ok := call.Arguments["url"].(string); ok {
			if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
				tracker.Add(models.RecentEntity{
					Kind:     models.EntityURL,
					Name:     raw,
					Action:   models.ActionOpen,
					Location: parsed.Host,
				})
			}
		}
	case "file":
		op, _ := call.Arguments["operation"].(string)
		action := fileAction(op)
		for key := range pathArgKeys {
			raw, ok := call.Arguments[key].(string)
			if !ok || raw == "" {
				continue
			}
			tracker.Add(models.RecentEntity{
				Kind:     models.EntityFile,
				Name:     filepath.Base(raw),
				Action:   action,
				Location: filepath.Dir(raw),
			})
		}
	case "shell":
		cmd, _ := call.Arguments["command"].(string)
		if entity, ok := shellEntity(cmd); ok {
			tracker.Add(entity)
		}
	}
}

type entityTracker interface {
	Add(models.RecentEntity)
}

func fileAction(op string) models.EntityAction {
	switch strings.ToLower(op) {
	case "write":
		return models.ActionCreate
	case "delete":
		return models.ActionDelete
	case "copy":
		return models.ActionCopy
	case "move":
		return models.ActionMove
	case "read", "list":
		return models.ActionOpen
	default:
		return models.ActionModify
	}
}

// shellEntity recognizes common file-manipulating commands and extracts the
// target path.
func shellEntity(command string) (models.RecentEntity, bool) {
	fields := strings.Fields(command)
	if len(fields) < 2 {
		return models.RecentEntity{}, false
	}

	// Skip option flags to find the first path operand.
	target := ""
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "-") {
			continue
		}
		target = f
		break
	}
	if target == "" {
		return models.RecentEntity{}, false
	}

	var action models.EntityAction
	kind := models.EntityFile
	switch fields[0] {
	case "mkdir":
		action, kind = models.ActionCreate, models.EntityFolder
	case "rmdir":
		action, kind = models.ActionDelete, models.EntityFolder
	case "rm":
		action = models.ActionDelete
	case "touch":
		action = models.ActionCreate
	case "cp":
		action = models.ActionCopy
	case "mv":
		action = models.ActionMove
	case "cat", "less", "open":
		action = models.ActionOpen
	default:
		return models.RecentEntity{}, false
	}

	return models.RecentEntity{
		Kind:     kind,
		Name:     filepath.Base(target),
		Action:   action,
		Location: filepath.Dir(target),
	}, true
}
