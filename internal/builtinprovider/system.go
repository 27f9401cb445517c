// Package builtinprovider implements the default in-process provider every
// host installs at startup, independent of the configuration file: a small
// set of always-available system tools that exercise the Built-in Provider
// Host without requiring any external process.
package builtinprovider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/toolmesh/toolmesh/internal/builtinhost"
	"github.com/toolmesh/toolmesh/internal/providermgr"
)

// System returns the "system" built-in provider: currently a single
// get_time tool reporting the current time, optionally converted to an
// IANA timezone.
func System() builtinhost.Provider {
	return builtinhost.Provider{
		Name:        "system",
		Version:     "1.0.0",
		Description: "Always-on host utilities that need no external process.",
		Tools: []builtinhost.ToolSpec{
			{
				Name:        "get_time",
				Description: "Returns the current time, optionally converted to an IANA timezone.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"timezone": {
							"type": "string",
							"description": "IANA timezone name, e.g. \"Asia/Shanghai\" (optional)"
						}
					}
				}`),
				Handler: getTime,
			},
		},
	}
}

type getTimeArgs struct {
	Timezone string `json:"timezone"`
}

type getTimeResult struct {
	Time    string `json:"time"`
	Weekday string `json:"weekday"`
}

func getTime(_ providermgr.BuiltinContext, args json.RawMessage) (json.RawMessage, error) {
	var a getTimeArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("get_time: parse arguments: %w", err)
		}
	}

	now := time.Now()
	if a.Timezone != "" {
		loc, err := time.LoadLocation(a.Timezone)
		if err != nil {
			return nil, fmt.Errorf("get_time: invalid timezone %q: %w", a.Timezone, err)
		}
		now = now.In(loc)
	}

	return json.Marshal(getTimeResult{
		Time:    now.Format("2006-01-02 15:04:05 MST"),
		Weekday: now.Weekday().String(),
	})
}
