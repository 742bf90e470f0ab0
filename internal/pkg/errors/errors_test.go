package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeValidation, "invalid input"),
			want: "VALIDATION_ERROR: invalid input",
		},
		{
			name: "with wrapped error",
			err:  Wrap(CodeCheckpoint, "load failed", errors.New("underlying")),
			want: "CHECKPOINT_ERROR: load failed: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeInternal, "wrapped", underlying)

	if unwrapped := err.Unwrap(); unwrapped != underlying {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlying)
	}
}

func TestAppError_ExitCode(t *testing.T) {
	tests := []struct {
		code string
		exit int
	}{
		{CodeValidation, 2},
		{CodeConfig, 2},
		{CodeNotFound, 2},
		{CodeDegenerateInput, 2},
		{CodeInternal, 1},
		{CodeMLError, 1},
		{CodeCheckpoint, 1},
		{CodeStorage, 1},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := New(tt.code, "test").ExitCode(); got != tt.exit {
				t.Errorf("ExitCode() = %d, want %d", got, tt.exit)
			}
		})
	}
}

func TestAppError_WithDetail(t *testing.T) {
	err := New(CodeCheckpoint, "missing").
		WithDetail("modality", "audio").
		WithDetail("dir", ".checkpoints")

	if err.Details["modality"] != "audio" {
		t.Errorf("Details[modality] = %s, want audio", err.Details["modality"])
	}
	if err.Details["dir"] != ".checkpoints" {
		t.Errorf("Details[dir] = %s, want .checkpoints", err.Details["dir"])
	}
}

func TestPredicatesFollowWrapChain(t *testing.T) {
	notFound := fmt.Errorf("loading adapters: %w", NotFoundError("adapter file"))

	if !IsNotFound(notFound) {
		t.Error("IsNotFound(wrapped NotFoundError) = false, want true")
	}
	if IsNotFound(errors.New("standard error")) {
		t.Error("IsNotFound(standard error) = true, want false")
	}
	if !IsConfig(ConfigError("both modes")) {
		t.Error("IsConfig(ConfigError) = false, want true")
	}
	if !IsDegenerateInput(fmt.Errorf("run: %w", DegenerateInputError("empty"))) {
		t.Error("IsDegenerateInput(wrapped) = false, want true")
	}
	if IsValidation(NotFoundError("x")) {
		t.Error("IsValidation(NotFoundError) = true, want false")
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", got)
	}
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Errorf("ExitCode(plain) = %d, want 1", got)
	}
	if got := ExitCode(fmt.Errorf("ctx: %w", ConfigError("bad"))); got != 2 {
		t.Errorf("ExitCode(config) = %d, want 2", got)
	}
}
