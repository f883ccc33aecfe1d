package actionsync

import (
	"fmt"
	"net/http"

	"github.com/thrivewellness/thrivesync/internal/actionlog"
)

type Route struct {
	Method string
	Path   string
}

var defaultRoutes = map[string]Route{
	actionlog.KindHabitToggle:    {Method: http.MethodPost, Path: "/api/habits/toggle"},
	actionlog.KindProfileUpdate:  {Method: http.MethodPut, Path: "/api/user/profile"},
	actionlog.KindSettingsUpdate: {Method: http.MethodPut, Path: "/api/user/settings"},
}

// DefaultRoutes returns a copy of the kind -> endpoint table.
func DefaultRoutes() map[string]Route {
	out := make(map[string]Route, len(defaultRoutes))
	for kind, route := range defaultRoutes {
		out[kind] = route
	}
	return out
}

type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown action kind %q", e.Kind)
}
