package filter

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/ghaiht95/genmob/types"
)

// Compile checks a room filter expression. An empty expression yields a nil program that matches everything.
func Compile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, nil
	}
	prog, err := expr.Compile(expression, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %v", types.ErrInvalid, err)
	}
	return prog, nil
}

func NewEnv(room *types.Room) Env {
	tags := map[string]interface{}(room.Tags)
	if tags == nil {
		tags = make(map[string]interface{})
	}
	return Env{
		Id:            room.Id,
		Name:          room.Name,
		Description:   room.Description,
		Owner:         room.Owner,
		Private:       room.Private,
		Capacity:      room.Capacity,
		CurrentCount:  room.CurrentCount,
		Free:          room.Free(),
		Created:       room.CreatedAt.Unix(),
		Tags:          tags,
		AsInt:         AsInt,
		AsFloat:       AsFloat,
		AsStringSlice: AsStringSlice,
	}
}

// Match evaluates prog for a room; evaluation errors count as no match.
func Match(prog *vm.Program, room *types.Room) bool {
	if prog == nil {
		return true
	}
	res, err := expr.Run(prog, NewEnv(room))
	if err != nil {
		return false
	}
	ok, _ := res.(bool)
	return ok
}

// Rooms returns the rooms that match expression.
func Rooms(expression string, rooms []*types.Room) ([]*types.Room, error) {
	prog, err := Compile(expression)
	if err != nil {
		return nil, err
	}
	res := make([]*types.Room, 0, len(rooms))
	for _, room := range rooms {
		if Match(prog, room) {
			res = append(res, room)
		}
	}
	return res, nil
}
