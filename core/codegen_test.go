package core

import (
	"errors"
	"testing"
)

func TestGenerateAccountNo(t *testing.T) {
	defer func() { randIntn = restoreRandIntn }()

	t.Run("6 digits", func(t *testing.T) {
		seq := []int{0, 123455} // digits draw, number draw
		randIntn = mockIntn(seq)
		code, err := GenerateAccountNo(never)
		if err != nil {
			t.Fatalf("GenerateAccountNo() error = %v", err)
		}
		if len(code) != 6 {
			t.Errorf("GenerateAccountNo() = %q, want 6 digits", code)
		}
	})

	t.Run("7 digits", func(t *testing.T) {
		seq := []int{1, 0}
		randIntn = mockIntn(seq)
		code, err := GenerateAccountNo(never)
		if err != nil {
			t.Fatalf("GenerateAccountNo() error = %v", err)
		}
		if len(code) != 7 {
			t.Errorf("GenerateAccountNo() = %q, want 7 digits", code)
		}
		if code != "1000000" {
			t.Errorf("GenerateAccountNo() = %q, want range floor 1000000", code)
		}
	})

	t.Run("retries on collision", func(t *testing.T) {
		randIntn = mockIntn([]int{0, 0, 1, 2})
		var probes []string
		exists := func(code string) (bool, error) {
			probes = append(probes, code)
			return len(probes) < 3, nil // first two candidates taken
		}
		code, err := GenerateAccountNo(exists)
		if err != nil {
			t.Fatalf("GenerateAccountNo() error = %v", err)
		}
		if len(probes) != 3 {
			t.Errorf("probe count = %d, want 3", len(probes))
		}
		if code != probes[len(probes)-1] {
			t.Errorf("GenerateAccountNo() = %q, want last probed candidate %q", code, probes[len(probes)-1])
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		randIntn = restoreRandIntn
		always := func(string) (bool, error) { return true, nil }
		if _, err := GenerateAccountNo(always); err != ErrGenerationExhausted {
			t.Errorf("GenerateAccountNo() error = %v, want ErrGenerationExhausted", err)
		}
	})

	t.Run("probe error propagates", func(t *testing.T) {
		randIntn = restoreRandIntn
		boom := errors.New("db gone")
		fail := func(string) (bool, error) { return false, boom }
		if _, err := GenerateAccountNo(fail); !errors.Is(err, boom) {
			t.Errorf("GenerateAccountNo() error = %v, want wrapped %v", err, boom)
		}
	})
}

func TestGenerateActivationCode(t *testing.T) {
	defer func() { randIntn = restoreRandIntn }()
	randIntn = restoreRandIntn

	for i := 0; i < 20; i++ {
		code, err := GenerateActivationCode(never)
		if err != nil {
			t.Fatalf("GenerateActivationCode() error = %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("GenerateActivationCode() = %q, want 6 digits", code)
		}
	}
}

// helpers

var restoreRandIntn = randIntn

func never(string) (bool, error) { return false, nil }

func mockIntn(seq []int) func(int) int {
	i := 0
	return func(n int) int {
		v := seq[i%len(seq)] % n
		i++
		return v
	}
}
