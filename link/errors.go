// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"errors"
	"fmt"

	"github.com/go-lpc/c2c/hw"
)

var (
	// ErrNotInitialized is returned when a tile base address is missing.
	ErrNotInitialized = errors.New("link: not initialized")

	// ErrInvalid is returned for invalid arguments or settings.
	ErrInvalid = errors.New("link: invalid argument")

	ErrDrainTimeout = fmt.Errorf("link: drain timeout: %w", hw.ErrTimeout)
	ErrTrainTimeout = fmt.Errorf("link: calibration timeout: %w", hw.ErrTimeout)
	ErrApplyTimeout = fmt.Errorf("link: apply timeout: %w", hw.ErrTimeout)
)

// timeout converts a hardware timeout into the provided link timeout.
// Other errors are returned as is.
func timeout(err, kind error) error {
	if errors.Is(err, hw.ErrTimeout) {
		return fmt.Errorf("%v: %w", err, kind)
	}
	return err
}
