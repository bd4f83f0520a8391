// Package automation drives on-device UI primitives for a single simulator.
package automation

import (
	"context"
	"encoding/json"
	"time"
)

// Point is a screen coordinate in points
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Automator performs UI actions against one device.
// Implementations are not safe for concurrent use; callers serialize access.
type Automator interface {
	Tap(ctx context.Context, at Point) error
	Swipe(ctx context.Context, from, to Point, duration time.Duration) error
	TypeText(ctx context.Context, text string) error
	DescribeUI(ctx context.Context) (json.RawMessage, error)
	DescribePoint(ctx context.Context, at Point) (json.RawMessage, error)
	PressButton(ctx context.Context, button string) error
}

// Hardware buttons accepted by PressButton
const (
	ButtonHome       = "HOME"
	ButtonLock       = "LOCK"
	ButtonSideButton = "SIDE_BUTTON"
	ButtonSiri       = "SIRI"
	ButtonApplePay   = "APPLE_PAY"
)

// Buttons lists every supported hardware button
var Buttons = []string{ButtonHome, ButtonLock, ButtonSideButton, ButtonSiri, ButtonApplePay}

// IsButton reports whether name is a supported hardware button
func IsButton(name string) bool {
	for _, b := range Buttons {
		if b == name {
			return true
		}
	}
	return false
}
