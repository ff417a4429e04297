package tools

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

var weatherConditions = []string{"sunny", "partly cloudy", "overcast", "light rain", "windy"}

// WeatherReport is the JSON result of get_weather
type WeatherReport struct {
	Location     string `json:"location"`
	Condition    string `json:"condition"`
	TemperatureC int    `json:"temperatureC"`
	Outdoor      bool   `json:"goodForOutdoor"`
}

// NewWeatherTool creates the get_weather tool. Reports are synthesized
// deterministically from the location name, so the same city always gets
// the same forecast.
func NewWeatherTool() *Tool {
	return &Tool{
		Name:        "get_weather",
		Description: "Get today's weather for a city, including whether it is a good day to go out",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"location": map[string]interface{}{
					"type":        "string",
					"description": "City name (e.g., 'Shanghai'). Defaults to the user's city.",
				},
			},
			"required": []string{},
		},
		Execute: executeGetWeather,
	}
}

func executeGetWeather(args map[string]interface{}) (string, error) {
	location := "local"
	if loc, ok := args["location"].(string); ok && strings.TrimSpace(loc) != "" {
		location = strings.TrimSpace(loc)
	}

	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(location)))
	sum := h.Sum32()

	condition := weatherConditions[sum%uint32(len(weatherConditions))]
	report := WeatherReport{
		Location:     location,
		Condition:    condition,
		TemperatureC: 8 + int(sum%22),
		Outdoor:      condition != "light rain" && condition != "windy",
	}

	out, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to encode weather report: %w", err)
	}
	return string(out), nil
}
