// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package control

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/probechain/dispatch-core/internal/handle"
)

var irType = reflect.TypeOf(handle.IR(0))

// flattenState walks an arbitrary loop-state tree — any combination of
// handle.IR leaves, slices/arrays, string- or int-keyed maps, and structs —
// into an ordered list of leaf handles plus parallel path labels used in
// diagnostics (e.g. "state[2]", "state[\"k\"]", "state.Field"). Map entries
// are visited in the order of their keys' printed form. Pointers
// are tracked on a visited set so a cyclic structure fails with a named
// path instead of recursing forever.
func flattenState(root interface{}) ([]handle.IR, []string, error) {
	var leaves []handle.IR
	var paths []string
	visited := map[uintptr]bool{}

	var walk func(v reflect.Value, path string) error
	walk = func(v reflect.Value, path string) error {
		if !v.IsValid() {
			return nil
		}
		if v.Type() == irType {
			leaves = append(leaves, v.Interface().(handle.IR))
			paths = append(paths, path)
			return nil
		}
		switch v.Kind() {
		case reflect.Interface:
			if v.IsNil() {
				return nil
			}
			return walk(v.Elem(), path)
		case reflect.Ptr:
			if v.IsNil() {
				return nil
			}
			ptr := v.Pointer()
			if visited[ptr] {
				return fmt.Errorf("control: cyclic loop state at %s", path)
			}
			visited[ptr] = true
			defer delete(visited, ptr)
			return walk(v.Elem(), path)
		case reflect.Slice, reflect.Array:
			for i := 0; i < v.Len(); i++ {
				if err := walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
			return nil
		case reflect.Map:
			keys := v.MapKeys()
			sort.Slice(keys, func(a, b int) bool { return fmt.Sprint(keys[a].Interface()) < fmt.Sprint(keys[b].Interface()) })
			for _, k := range keys {
				if err := walk(v.MapIndex(k), fmt.Sprintf("%s[%q]", path, fmt.Sprint(k.Interface()))); err != nil {
					return err
				}
			}
			return nil
		case reflect.Struct:
			t := v.Type()
			for i := 0; i < v.NumField(); i++ {
				if t.Field(i).PkgPath != "" {
					continue // unexported field: not part of the loop-carried state
				}
				if err := walk(v.Field(i), fmt.Sprintf("%s.%s", path, t.Field(i).Name)); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("control: loop-state leaf at %s has unsupported type %s (want handle.IR)", path, v.Type())
		}
	}

	if err := walk(reflect.ValueOf(root), "state"); err != nil {
		return nil, nil, err
	}
	return leaves, paths, nil
}

// rebuildState reconstructs a tree with template's exact shape, substituting
// updated's handles for the leaves in flatten order.
func rebuildState(template interface{}, updated []handle.IR) (interface{}, error) {
	i := 0

	var walk func(v reflect.Value) (reflect.Value, error)
	walk = func(v reflect.Value) (reflect.Value, error) {
		if !v.IsValid() {
			return v, nil
		}
		if v.Type() == irType {
			if i >= len(updated) {
				return reflect.Value{}, fmt.Errorf("control: loop-state rebuild ran out of updated leaves")
			}
			h := reflect.ValueOf(updated[i])
			i++
			return h, nil
		}
		switch v.Kind() {
		case reflect.Interface:
			if v.IsNil() {
				return v, nil
			}
			return walk(v.Elem())
		case reflect.Ptr:
			if v.IsNil() {
				return v, nil
			}
			elem, err := walk(v.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out := reflect.New(elem.Type())
			out.Elem().Set(elem)
			return out, nil
		case reflect.Slice:
			out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
			for j := 0; j < v.Len(); j++ {
				elem, err := walk(v.Index(j))
				if err != nil {
					return reflect.Value{}, err
				}
				out.Index(j).Set(elem)
			}
			return out, nil
		case reflect.Array:
			out := reflect.New(v.Type()).Elem()
			for j := 0; j < v.Len(); j++ {
				elem, err := walk(v.Index(j))
				if err != nil {
					return reflect.Value{}, err
				}
				out.Index(j).Set(elem)
			}
			return out, nil
		case reflect.Map:
			out := reflect.MakeMapWithSize(v.Type(), v.Len())
			keys := v.MapKeys()
			sort.Slice(keys, func(a, b int) bool { return fmt.Sprint(keys[a].Interface()) < fmt.Sprint(keys[b].Interface()) })
			for _, k := range keys {
				elem, err := walk(v.MapIndex(k))
				if err != nil {
					return reflect.Value{}, err
				}
				out.SetMapIndex(k, elem)
			}
			return out, nil
		case reflect.Struct:
			out := reflect.New(v.Type()).Elem()
			t := v.Type()
			for j := 0; j < v.NumField(); j++ {
				if t.Field(j).PkgPath != "" {
					out.Field(j).Set(v.Field(j))
					continue
				}
				elem, err := walk(v.Field(j))
				if err != nil {
					return reflect.Value{}, err
				}
				out.Field(j).Set(elem)
			}
			return out, nil
		default:
			return v, nil
		}
	}

	out, err := walk(reflect.ValueOf(template))
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}
