package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/avisangle/jenkins-chatbot/runtime/schema"
)

// ParameterError reports a validation failure for one named parameter.
type ParameterError struct {
	Parameter string
	Reason    string
}

// Error implements the error interface.
func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Parameter, e.Reason)
}

// validateParams checks args against the tool schema and returns a coerced
// copy. Required parameters must be present; declared types are coerced from
// compatible representations; unknown parameters pass through untouched.
// unknown collects the names of parameters the schema does not declare.
func validateParams(s schema.Standardized, args map[string]any) (map[string]any, []string, error) {
	coerced := make(map[string]any, len(args))
	var unknown []string

	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return nil, nil, &ParameterError{Parameter: name, Reason: "required parameter missing"}
		}
	}

	for name, value := range args {
		param, declared := s.Parameters[name]
		if !declared {
			unknown = append(unknown, name)
			coerced[name] = value
			continue
		}
		converted, err := coerceValue(param.Type, value)
		if err != nil {
			return nil, nil, &ParameterError{Parameter: name, Reason: err.Error()}
		}
		coerced[name] = converted
	}
	return coerced, unknown, nil
}

// coerceValue converts value to the declared schema type. An empty declared
// type passes the value through.
func coerceValue(declared string, value any) (any, error) {
	switch declared {
	case "integer":
		return coerceInteger(value)
	case "number":
		return coerceNumber(value)
	case "boolean":
		return coerceBoolean(value)
	case "string":
		return coerceString(value)
	default:
		return value, nil
	}
}

func coerceInteger(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
		return nil, fmt.Errorf("value %v is not an integer", v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("value of type %T is not an integer", value)
	}
}

func coerceNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a number", v)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("value of type %T is not a number", value)
	}
}

func coerceBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0":
			return false, nil
		}
		return nil, fmt.Errorf("value %q is not a boolean", v)
	case int:
		switch v {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("value %d is not a boolean", v)
	default:
		return nil, fmt.Errorf("value of type %T is not a boolean", value)
	}
}

func coerceString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return nil, fmt.Errorf("value of type %T is not a string", value)
	}
}
