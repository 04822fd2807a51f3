//go:build !darwin

package facts

import "context"

func machineModel() string { return "" }

func serialNumber(ctx context.Context) string { return "" }

func machineType() string { return "desktop" }
