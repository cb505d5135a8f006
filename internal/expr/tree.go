package expr

// Keys the tree walker never descends into: their subtrees are expanded
// later, when the metadata they reference exists. An explicit list, not
// type sniffing.
var opaqueKeys = map[string]bool{
	"task_list":      true,
	"task_list_else": true,
}

// EvaluateTree walks a decoded JSON/YAML tree of maps, lists and scalars,
// evaluating every expression string against env and returning a parallel
// tree. Map keys are evaluated too, so computed keys are allowed; values
// under opaque keys are returned verbatim.
func EvaluateTree(v interface{}, env *Env) (interface{}, error) {
	switch v := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			evaluatedKey := key
			if IsExpression(key) {
				kv, err := Evaluate(key, env)
				if err != nil {
					return nil, err
				}
				ks, ok := kv.(string)
				if !ok {
					return nil, &Error{Expression: key,
						Cause: errNonStringKey}
				}
				evaluatedKey = ks
			}
			if opaqueKeys[evaluatedKey] {
				out[evaluatedKey] = value
				continue
			}
			ev, err := EvaluateTree(value, env)
			if err != nil {
				return nil, err
			}
			out[evaluatedKey] = ev
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			ev, err := EvaluateTree(elem, env)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil

	case string:
		if IsExpression(v) {
			return Evaluate(v, env)
		}
		return v, nil

	default:
		return v, nil
	}
}

var errNonStringKey = errKind("computed map key is not a string")

type errKind string

func (e errKind) Error() string {
	return string(e)
}
