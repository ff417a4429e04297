package tools

import (
	"encoding/json"
	"fmt"
	"time"
)

// now is swapped in tests
var now = time.Now

// TimeReport is the JSON result of get_current_time
type TimeReport struct {
	Timezone  string `json:"timezone"`
	Local     string `json:"local"`
	Weekday   string `json:"weekday"`
	UnixMilli int64  `json:"unixMilli"`
}

// NewTimeTool creates the get_current_time tool
func NewTimeTool() *Tool {
	return &Tool{
		Name:        "get_current_time",
		Description: "Get the current date and time, optionally in a given IANA timezone",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"timezone": map[string]interface{}{
					"type":        "string",
					"description": "IANA timezone such as 'Asia/Shanghai'. Defaults to UTC.",
				},
			},
		},
		Execute: executeGetCurrentTime,
	}
}

func executeGetCurrentTime(args map[string]interface{}) (string, error) {
	zone, _ := args["timezone"].(string)
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", fmt.Errorf("unknown timezone %q", zone)
	}

	t := now().In(loc)
	out, err := json.Marshal(TimeReport{
		Timezone:  zone,
		Local:     t.Format(time.RFC3339),
		Weekday:   t.Weekday().String(),
		UnixMilli: t.UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
