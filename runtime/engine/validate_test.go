package engine

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avisangle/jenkins-chatbot/runtime/schema"
)

func buildSchema(t *testing.T, raw string) schema.Standardized {
	t.Helper()
	var desc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &desc))
	return schema.Normalize(desc)
}

func jobSchema(t *testing.T) schema.Standardized {
	return buildSchema(t, `{
		"name": "get_build_status",
		"inputSchema": {
			"type": "object",
			"properties": {
				"job_name": {"type": "string"},
				"build_number": {"type": "integer"},
				"follow": {"type": "boolean"},
				"threshold": {"type": "number"}
			},
			"required": ["job_name"]
		}
	}`)
}

func TestValidateParamsCoercesDeclaredTypes(t *testing.T) {
	coerced, unknown, err := validateParams(jobSchema(t), map[string]any{
		"job_name":     "deploy",
		"build_number": "42",
		"follow":       "yes",
		"threshold":    "0.5",
	})
	require.NoError(t, err)
	assert.Empty(t, unknown)
	assert.Equal(t, "deploy", coerced["job_name"])
	assert.Equal(t, 42, coerced["build_number"])
	assert.Equal(t, true, coerced["follow"])
	assert.Equal(t, 0.5, coerced["threshold"])
}

func TestValidateParamsMissingRequiredNamesParameter(t *testing.T) {
	_, _, err := validateParams(jobSchema(t), map[string]any{"build_number": 7})
	require.Error(t, err)
	var perr *ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "job_name", perr.Parameter)
	assert.Contains(t, err.Error(), "job_name")
}

func TestValidateParamsPassesThroughUnknown(t *testing.T) {
	coerced, unknown, err := validateParams(jobSchema(t), map[string]any{
		"job_name": "deploy",
		"verbose":  true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"verbose"}, unknown)
	assert.Equal(t, true, coerced["verbose"])
}

func TestValidateParamsRejectsUncoercibleValue(t *testing.T) {
	_, _, err := validateParams(jobSchema(t), map[string]any{
		"job_name":     "deploy",
		"build_number": "not-a-number",
	})
	require.Error(t, err)
	var perr *ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "build_number", perr.Parameter)
}

func TestCoerceBoolean(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{"true", true}, {"yes", true}, {"1", true}, {1, true},
		{"false", false}, {"no", false}, {"0", false}, {0, false},
		{true, true}, {false, false},
	}
	for _, tc := range cases {
		got, err := coerceBoolean(tc.in)
		require.NoError(t, err, "input %v", tc.in)
		assert.Equal(t, tc.want, got, "input %v", tc.in)
	}
	_, err := coerceBoolean("maybe")
	assert.Error(t, err)
}

func TestCoerceIntegerRejectsFractions(t *testing.T) {
	got, err := coerceInteger(float64(3))
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	_, err = coerceInteger(3.5)
	assert.Error(t, err)
}

func TestCoerceStringFormatsScalars(t *testing.T) {
	for in, want := range map[any]string{
		"x":          "x",
		7:            "7",
		int64(8):     "8",
		float64(1.5): "1.5",
		true:         "true",
	} {
		got, err := coerceString(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestValidateParamsNumericStringsAlwaysCoerce(t *testing.T) {
	s := jobSchema(t)
	properties := gopter.NewProperties(nil)
	properties.Property("decimal strings coerce to the same integer", prop.ForAll(
		func(n int) bool {
			coerced, _, err := validateParams(s, map[string]any{
				"job_name":     "deploy",
				"build_number": strconv.Itoa(n),
			})
			return err == nil && coerced["build_number"] == n
		},
		gen.IntRange(-1_000_000, 1_000_000),
	))
	properties.TestingRun(t)
}
