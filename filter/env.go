package filter

import (
	"fmt"
	"strconv"
	"strings"
)

/*
Env is what room list filters are evaluated against, f.e. `!Private && Free > 0 && Tags["game"] == "coop"`.
Clients send these filters with list_rooms, renaming a field breaks the filters they already use.
*/
type Env struct {
	Id           string
	Name         string
	Description  string
	Owner        string
	Private      bool
	Capacity     int
	CurrentCount int
	Free         int
	Created      int64
	Tags         map[string]interface{}

	AsInt         func(interface{}) int64
	AsFloat       func(interface{}) float64
	AsStringSlice func(interface{}) []string
}

// AsInt parses a tag value as an int, 0 on error
func AsInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	val, _ := strconv.ParseInt(fmt.Sprint(v), 0, 64)
	return val
}

// AsFloat parses a tag value as a float64, 0.0 on error
func AsFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	val, _ := strconv.ParseFloat(fmt.Sprint(v), 64)
	return val
}

// AsStringSlice splits a comma-separated tag value
func AsStringSlice(v interface{}) []string {
	if v == nil {
		return []string{}
	}
	return strings.Split(fmt.Sprint(v), ",")
}
