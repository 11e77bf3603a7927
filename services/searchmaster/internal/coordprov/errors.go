package coordprov

import (
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
)

const (
	ErrTypeNodeExists   = "NodeExists"
	ErrTypeNoNode       = "NoNode"
	ErrTypeNotEmpty     = "NotEmpty"
	ErrTypeNotConnected = "NotConnected"
	ErrTypeCoordFailure = "CoordFailure"
)

func errNodeExists(path string) *kerror.Kerror {
	return kerror.Create(ErrTypeNodeExists, "node already exists").With("path", path).WithErrorCode(kerror.EC_CONFLICT).WithoutStack()
}

func errNoNode(path string) *kerror.Kerror {
	return kerror.Create(ErrTypeNoNode, "node does not exist").With("path", path).WithErrorCode(kerror.EC_NOT_FOUND).WithoutStack()
}

func errNotEmpty(path string) *kerror.Kerror {
	return kerror.Create(ErrTypeNotEmpty, "node has children").With("path", path).WithErrorCode(kerror.EC_CONFLICT).WithoutStack()
}

func errNotConnected() *kerror.Kerror {
	return kerror.Create(ErrTypeNotConnected, "coordination session not connected").WithErrorCode(kerror.EC_RETRYABLE).WithoutStack()
}

func IsNodeExists(err error) bool {
	return kerror.IsType(err, ErrTypeNodeExists)
}

func IsNoNode(err error) bool {
	return kerror.IsType(err, ErrTypeNoNode)
}

func IsNotConnected(err error) bool {
	return kerror.IsType(err, ErrTypeNotConnected)
}
