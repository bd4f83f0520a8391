package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/billm/simpilot/internal/version"
	"github.com/billm/simpilot/pkg/automation"
)

// HealthPath is the liveness route polled by the supervisor
const HealthPath = "/health"

// NewRoutes builds the worker's route table over an automator
func NewRoutes(deviceID string, a automation.Automator) Routes {
	started := time.Now()

	return Routes{
		HealthPath: {
			Handler: func(context.Context, json.RawMessage) (int, any) {
				return http.StatusOK, map[string]any{
					"status":    "ok",
					"device_id": deviceID,
					"version":   version.GetVersion(),
					"uptime":    time.Since(started).Round(time.Millisecond).String(),
				}
			},
		},
		"/tap": automationRoute(func(ctx context.Context, args *tapArgs) (any, error) {
			return nil, a.Tap(ctx, args.point())
		}),
		"/swipe": automationRoute(func(ctx context.Context, args *swipeArgs) (any, error) {
			from := automation.Point{X: args.XStart.Value, Y: args.YStart.Value}
			to := automation.Point{X: args.XEnd.Value, Y: args.YEnd.Value}
			return nil, a.Swipe(ctx, from, to, args.duration())
		}),
		"/type_text": automationRoute(func(ctx context.Context, args *typeTextArgs) (any, error) {
			return nil, a.TypeText(ctx, args.Text.Value)
		}),
		"/describe_ui": automationRoute(func(ctx context.Context, _ *noArgs) (any, error) {
			tree, err := a.DescribeUI(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"elements": tree}, nil
		}),
		"/describe_point": automationRoute(func(ctx context.Context, args *tapArgs) (any, error) {
			element, err := a.DescribePoint(ctx, args.point())
			if err != nil {
				return nil, err
			}
			return map[string]any{"element": element}, nil
		}),
		"/press_button": automationRoute(func(ctx context.Context, args *pressButtonArgs) (any, error) {
			return nil, a.PressButton(ctx, args.Button.Value)
		}),
	}
}

// automationRoute decodes and validates typed arguments, then runs fn on
// the executor. A nil result is reported as {"success": true}.
func automationRoute[T any, PT interface {
	*T
	validate() error
}](fn func(ctx context.Context, args *T) (any, error)) Route {
	return Route{
		OnExecutor: true,
		Handler: func(ctx context.Context, body json.RawMessage) (int, any) {
			args, err := decodeArgs[T, PT](body)
			if err != nil {
				return http.StatusBadRequest, errorBody(err.Error())
			}
			result, err := fn(ctx, args)
			if err != nil {
				return http.StatusInternalServerError, errorBody(err.Error())
			}
			if result == nil {
				return http.StatusOK, map[string]bool{"success": true}
			}
			return http.StatusOK, result
		},
	}
}
