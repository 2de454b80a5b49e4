// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package utils

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
)

// Go runs fn on its own goroutine and recovers panics locally so that a
// failing fire-and-forget side effect can never take the process down.
// The context is accepted for symmetry with callers that scope work; fn
// is responsible for honouring it.
func Go(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "recovered panic in background task: %v\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// MaskIdentifier redacts an identifier for diagnostic output, keeping
// just enough of the head and tail to correlate log lines.
func MaskIdentifier(s string) string {
	if len(s) <= 5 {
		return strings.Repeat("*", len(s))
	}
	return s[:3] + strings.Repeat("*", len(s)-5) + s[len(s)-2:]
}
