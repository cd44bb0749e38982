package router

import "github.com/objcache/filecached/internal/engine"

func invalidParams(reason string) error {
	return &engine.Error{Kind: engine.KindInvalidParams, Reason: reason}
}

func permErr(reason string) error {
	return &engine.Error{Kind: engine.KindPerm, Reason: reason}
}

func argumentErr(reason string) error {
	return &engine.Error{Kind: engine.KindArgument, Reason: reason}
}

func copyErr(reason string, err error) error {
	return &engine.Error{Kind: engine.KindCopy, Reason: reason, Err: err}
}

func directoryErr(reason string) error {
	return &engine.Error{Kind: engine.KindDirectory, Reason: reason}
}
