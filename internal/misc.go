package internal

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	//lint:ignore SA1019 we use the old v1 package because
	//  we need to support older generated messages
	protov1 "github.com/golang/protobuf/proto"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// CopyMessage replaces the contents of out with a copy of in. Both must be
// of the same type. Protobuf messages, including older generated ones, are
// deep-copied; other values are shallow-copied, which requires out to be a
// pointer.
func CopyMessage(in, out any) error {
	inType, outType := reflect.TypeOf(in), reflect.TypeOf(out)
	if inType != outType {
		return fmt.Errorf("incompatible types: %v != %v", inType, outType)
	}
	if pmIn, ok := in.(protov1.Message); ok {
		pmOut := protov1.MessageV2(out.(protov1.Message))
		proto.Reset(pmOut)
		proto.Merge(pmOut, protov1.MessageV2(pmIn))
		return nil
	}

	dest := reflect.Indirect(reflect.ValueOf(out))
	if !dest.CanSet() {
		return fmt.Errorf("unable to set destination: %v", outType)
	}
	dest.Set(reflect.Indirect(reflect.ValueOf(in)))
	return nil
}

// TranslateContextError converts context.Canceled and
// context.DeadlineExceeded, even when wrapped, into status errors with the
// matching code. Other errors are returned as is.
func TranslateContextError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return err
}
