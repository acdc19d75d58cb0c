// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import "git.lukeshu.com/pool-progs-ng/lib/poolerr"

// ResultKind is one of the three arms every operation's result takes
// (§6.1): nothing changed, something changed (with details), or the
// operation failed.
type ResultKind int

const (
	Identity ResultKind = iota
	Changed
	Failed
)

func (k ResultKind) String() string {
	switch k {
	case Identity:
		return "Identity"
	case Changed:
		return "Changed"
	case Failed:
		return "Failed"
	default:
		return "ResultKind(?)"
	}
}

// Result is the discriminated return value of every request family
// method on Engine. Details is populated only for Changed; Err only
// for Failed. A concrete transport (out of scope here, §1) maps this
// onto whatever wire shape it speaks; Details is a map rather than a
// per-call generated type because the wire encoding of "what changed"
// is the transport's concern, not the engine core's.
type Result struct {
	Kind    ResultKind
	Details map[string]any
	Err     *poolerr.Error
}

func identityResult() Result { return Result{Kind: Identity} }

func changedResult(details map[string]any) Result {
	return Result{Kind: Changed, Details: details}
}

func failedResult(err error) Result {
	return Result{Kind: Failed, Err: asPoolErr(err)}
}

func asPoolErr(err error) *poolerr.Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*poolerr.Error); ok {
		return pe
	}
	return poolerr.Wrap(poolerr.KindOf(err), err.Error(), err)
}
