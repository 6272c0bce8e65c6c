// TMC register field access
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tmc

import (
	"fmt"
	"sort"
	"strings"
)

// ffs returns the position of the first bit set in a mask.
func ffs(mask uint32) int {
	if mask == 0 {
		return 0
	}
	pos := 0
	for (mask & 1) == 0 {
		mask >>= 1
		pos++
	}
	return pos
}

// Registers is the subset of the TMC2209 register map that homing touches.
var Registers = map[string]map[string]uint32{
	"IHOLD_IRUN": {
		"ihold":      0x1f << 0,
		"irun":       0x1f << 8,
		"iholddelay": 0x0f << 16,
	},
	"TCOOLTHRS": {
		"tcoolthrs": 0xfffff,
	},
	"SGTHRS": {
		"sgthrs": 0xff,
	},
	"MSCNT": {
		"mscnt": 0x3ff,
	},
	"CHOPCONF": {
		"toff":   0x0f << 0,
		"vsense": 1 << 17,
		"mres":   0x0f << 24,
		"intpol": 1 << 28,
	},
	"DRV_STATUS": {
		"cs_actual": 0x1f << 16,
		"stst":      1 << 31,
	},
}

// FieldHelper keeps a shadow copy of the driver registers and reads and
// writes named fields inside them.
type FieldHelper struct {
	fields map[string]map[string]uint32
	toReg  map[string]string
	values map[string]uint32
}

// NewFieldHelper creates a helper over a register map.
func NewFieldHelper(regs map[string]map[string]uint32) *FieldHelper {
	fh := &FieldHelper{
		fields: regs,
		toReg:  make(map[string]string),
		values: make(map[string]uint32),
	}
	for reg, fields := range regs {
		for name := range fields {
			fh.toReg[name] = reg
		}
	}
	return fh
}

// LookupRegister returns the register holding field.
func (fh *FieldHelper) LookupRegister(field string) (string, bool) {
	reg, ok := fh.toReg[field]
	return reg, ok
}

// Get returns the current value of field.
func (fh *FieldHelper) Get(field string) uint32 {
	reg := fh.toReg[field]
	mask := fh.fields[reg][field]
	return (fh.values[reg] & mask) >> ffs(mask)
}

// Set stores v in field, truncating it to the field width, and returns the
// new register value.
func (fh *FieldHelper) Set(field string, v uint32) uint32 {
	reg := fh.toReg[field]
	mask := fh.fields[reg][field]
	fh.values[reg] = (fh.values[reg] &^ mask) | ((v << ffs(mask)) & mask)
	return fh.values[reg]
}

// Register returns the raw value of a register.
func (fh *FieldHelper) Register(reg string) uint32 {
	return fh.values[reg]
}

// PrettyFormat describes a register and its non-zero fields.
func (fh *FieldHelper) PrettyFormat(reg string) string {
	val := fh.values[reg]
	regFields, ok := fh.fields[reg]
	if !ok {
		return fmt.Sprintf("%s: %08x", reg, val)
	}

	names := make([]string, 0, len(regFields))
	for name := range regFields {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return regFields[names[i]] < regFields[names[j]]
	})

	var parts []string
	for _, name := range names {
		if v := fh.Get(name); v != 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", name, v))
		}
	}
	return fmt.Sprintf("%-11s %08x %s", reg+":", val, strings.Join(parts, " "))
}
