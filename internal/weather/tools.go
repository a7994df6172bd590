package weather

import (
	"github.com/zjrosen/weathermcp/internal/mcp"
	"github.com/zjrosen/weathermcp/internal/tracing"
)

// Instructions is sent to clients during initialize.
const Instructions = "This server provides weather tools. Tools: get_weather (get current weather for a location), get_forecast (get weather forecast for multiple days)."

// Tool names.
const (
	ToolGetWeather  = "get_weather"
	ToolGetForecast = "get_forecast"
)

func ptr(f float64) *float64 { return &f }

// Tools returns the tool definitions in registration order.
func Tools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        ToolGetWeather,
			Title:       "Current weather",
			Description: "Get current weather for a specified location",
			InputSchema: &mcp.InputSchema{
				Type: "object",
				Properties: map[string]*mcp.PropertySchema{
					"location": {Type: "string", Description: "City name to get weather for"},
				},
				Required: []string{"location"},
			},
			OutputSchema: &mcp.OutputSchema{
				Type: "object",
				Properties: map[string]*mcp.PropertySchema{
					"location":    {Type: "string"},
					"temperature": {Type: "integer", Description: "Degrees Celsius"},
					"condition":   {Type: "string", Enum: weatherConditions},
					"humidity":    {Type: "integer", Description: "Percent"},
					"wind_speed":  {Type: "integer", Description: "km/h"},
				},
				Required: []string{"location", "temperature", "condition", "humidity", "wind_speed"},
			},
		},
		{
			Name:        ToolGetForecast,
			Title:       "Forecast",
			Description: "Get weather forecast for the specified location and number of days",
			InputSchema: &mcp.InputSchema{
				Type: "object",
				Properties: map[string]*mcp.PropertySchema{
					"location": {Type: "string", Description: "City name for forecast"},
					"days": {
						Type:        "integer",
						Description: "Number of days to forecast (1-7)",
						Default:     DefaultForecastDays,
						Minimum:     ptr(1),
						Maximum:     ptr(MaxForecastDays),
					},
				},
				Required: []string{"location"},
			},
			OutputSchema: &mcp.OutputSchema{
				Type: "object",
				Properties: map[string]*mcp.PropertySchema{
					"items": {
						Type: "array",
						Items: &mcp.PropertySchema{
							Type: "object",
							Properties: map[string]*mcp.PropertySchema{
								"day":                  {Type: "integer"},
								"high":                 {Type: "integer"},
								"low":                  {Type: "integer"},
								"condition":            {Type: "string", Enum: forecastConditions},
								"precipitation_chance": {Type: "integer"},
							},
							Required: []string{"day", "high", "low", "condition", "precipitation_chance"},
						},
					},
				},
				Required: []string{"items"},
			},
		},
	}
}

// Register adds the weather tools to server, each wrapped in a tool span.
func Register(server *mcp.Server, svc *Service, cfg tracing.InstrumentConfig) {
	tools := Tools()
	server.RegisterTool(tools[0], mcp.TypedHandler(tracing.Instrument(cfg, ToolGetWeather, svc.GetWeather)))
	server.RegisterTool(tools[1], mcp.TypedHandler(tracing.Instrument(cfg, ToolGetForecast, svc.GetForecast)))
}
