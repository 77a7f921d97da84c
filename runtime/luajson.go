package runtime

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// jsonToLua converts a decoded JSON value into a Lua value.
func jsonToLua(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		tbl := L.CreateTable(len(v), 0)
		for _, item := range v {
			tbl.Append(jsonToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(v))
		for key, item := range v {
			tbl.RawSetString(key, jsonToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// luaToJSON converts a Lua value back into a JSON-encodable Go value.
func luaToJSON(value lua.LValue) (any, error) {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		return float64(v), nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		return luaTableToJSON(v)
	default:
		return nil, fmt.Errorf("unsupported lua type %s", value.Type())
	}
}

// luaTableToJSON maps a table to a JSON array when it is a pure sequence,
// otherwise to an object with string keys.
func luaTableToJSON(tbl *lua.LTable) (any, error) {
	maxN := tbl.MaxN()
	isArray := maxN > 0
	if isArray {
		count := 0
		tbl.ForEach(func(_, _ lua.LValue) { count++ })
		if count != maxN {
			isArray = false
		}
	}

	if isArray {
		arr := make([]any, 0, maxN)
		var convErr error
		for i := 1; i <= maxN; i++ {
			item, err := luaToJSON(tbl.RawGetInt(i))
			if err != nil {
				convErr = err
				break
			}
			arr = append(arr, item)
		}
		if convErr != nil {
			return nil, convErr
		}
		return arr, nil
	}

	obj := make(map[string]any)
	var convErr error
	tbl.ForEach(func(key, val lua.LValue) {
		if convErr != nil {
			return
		}
		ks, ok := key.(lua.LString)
		if !ok {
			if kn, isNum := key.(lua.LNumber); isNum {
				ks = lua.LString(fmt.Sprintf("%v", float64(kn)))
			} else {
				convErr = fmt.Errorf("unsupported table key type %s", key.Type())
				return
			}
		}
		converted, err := luaToJSON(val)
		if err != nil {
			convErr = err
			return
		}
		obj[string(ks)] = converted
	})
	if convErr != nil {
		return nil, convErr
	}
	return obj, nil
}

// decodeJSONToLua parses raw JSON into a Lua value.
func decodeJSONToLua(L *lua.LState, raw json.RawMessage) (lua.LValue, error) {
	if len(raw) == 0 {
		return lua.LNil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("invalid JSON input: %w", err)
	}
	return jsonToLua(L, value), nil
}

// encodeLuaToJSON serializes a Lua value as canonical JSON.
func encodeLuaToJSON(value lua.LValue) (json.RawMessage, error) {
	converted, err := luaToJSON(value)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(converted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}
