// Package weather serves mock current-weather and forecast data.
package weather

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/weathermcp/internal/log"
)

const (
	DefaultForecastDays = 3
	MaxForecastDays     = 7
)

var (
	// ErrLocationRequired is returned when location is empty.
	ErrLocationRequired = errors.New("location is required")
	// ErrInvalidDays is returned for a negative day count.
	ErrInvalidDays = errors.New("days must not be negative")
)

var (
	weatherConditions  = []string{"Sunny", "Cloudy", "Rainy", "Partly Cloudy"}
	forecastConditions = []string{"Sunny", "Cloudy", "Rainy", "Stormy"}
)

// GetWeatherArgs are the get_weather arguments.
type GetWeatherArgs struct {
	Location string `json:"location"`
}

// GetForecastArgs are the get_forecast arguments. Days 0 means the default.
type GetForecastArgs struct {
	Location string `json:"location"`
	Days     int    `json:"days,omitempty"`
}

// Weather is a current conditions report.
type Weather struct {
	Location    string `json:"location"`
	Temperature int    `json:"temperature"`
	Condition   string `json:"condition"`
	Humidity    int    `json:"humidity"`
	WindSpeed   int    `json:"wind_speed"`
}

// Forecast is one forecast day, numbered from 1.
type Forecast struct {
	Day                 int    `json:"day"`
	High                int    `json:"high"`
	Low                 int    `json:"low"`
	Condition           string `json:"condition"`
	PrecipitationChance int    `json:"precipitation_chance"`
}

// ForecastResult wraps the days in an object so it can be structured content.
type ForecastResult struct {
	Items []Forecast `json:"items"`
}

// Service generates mock weather. It is safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Service.
type Option func(*Service)

// WithRand sets the random source, for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) {
		s.rng = r
	}
}

// NewService creates a Service seeded from the runtime's random source.
func NewService(opts ...Option) *Service {
	s := &Service{
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// between returns a value in [lo, hi].
func (s *Service) between(lo, hi int) int {
	return lo + s.rng.IntN(hi-lo+1)
}

func (s *Service) pick(options []string) string {
	return options[s.rng.IntN(len(options))]
}

// GetWeather returns current conditions for args.Location.
func (s *Service) GetWeather(ctx context.Context, args GetWeatherArgs) (Weather, error) {
	location := strings.TrimSpace(args.Location)
	if location == "" {
		return Weather{}, ErrLocationRequired
	}
	logRequest(ctx, "Handling get_weather request", "location", location)

	s.mu.Lock()
	w := Weather{
		Location:    location,
		Temperature: s.between(15, 30),
		Condition:   s.pick(weatherConditions),
		Humidity:    s.between(40, 80),
		WindSpeed:   s.between(5, 25),
	}
	s.mu.Unlock()

	log.DebugCtx(ctx, log.CatTool, "Generated weather response", "weather", w)
	return w, nil
}

// GetForecast returns min(days, 7) forecast days for args.Location.
func (s *Service) GetForecast(ctx context.Context, args GetForecastArgs) (ForecastResult, error) {
	location := strings.TrimSpace(args.Location)
	if location == "" {
		return ForecastResult{}, ErrLocationRequired
	}
	if args.Days < 0 {
		return ForecastResult{}, ErrInvalidDays
	}
	days := args.Days
	if days == 0 {
		days = DefaultForecastDays
	}
	days = min(days, MaxForecastDays)
	logRequest(ctx, "Handling get_forecast request",
		"location", location, "requested_days", args.Days, "effective_days", days)

	items := make([]Forecast, 0, days)
	s.mu.Lock()
	for day := 1; day <= days; day++ {
		items = append(items, Forecast{
			Day:                 day,
			High:                s.between(20, 35),
			Low:                 s.between(10, 20),
			Condition:           s.pick(forecastConditions),
			PrecipitationChance: s.between(0, 100),
		})
	}
	s.mu.Unlock()

	log.DebugCtx(ctx, log.CatTool, "Generated forecast response", "forecast_len", len(items))
	return ForecastResult{Items: items}, nil
}

func logRequest(ctx context.Context, msg string, fields ...any) {
	sc := trace.SpanContextFromContext(ctx)
	fields = append(fields,
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
		"is_sampled", sc.IsSampled(),
	)
	log.InfoCtx(ctx, log.CatTool, msg, fields...)
}
