// Package rpcutil serves Connect RPC procedures whose messages are
// google.protobuf.Struct values decoded into plain Go request types.
package rpcutil

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Service names a Connect service. Every method takes and returns a
// google.protobuf.Struct.
type Service struct {
	Name    string
	Methods []string
}

// Path is the mux pattern covering all of the service's procedures.
func (s Service) Path() string {
	return "/" + s.Name + "/"
}

func (s Service) Procedure(method string) string {
	return "/" + s.Name + "/" + method
}

// Register publishes a descriptor for s in the global proto registry so
// reflection clients such as grpcurl can describe it. Registering twice is a
// no-op.
func Register(s Service) error {
	if _, err := protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(s.Name)); err == nil {
		return nil
	}

	i := strings.LastIndex(s.Name, ".")
	if i <= 0 {
		return fmt.Errorf("service name %q must be package qualified", s.Name)
	}
	pkg, name := s.Name[:i], s.Name[i+1:]

	methods := make([]*descriptorpb.MethodDescriptorProto, len(s.Methods))
	for j, m := range s.Methods {
		methods[j] = &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m),
			InputType:  proto.String(".google.protobuf.Struct"),
			OutputType: proto.String(".google.protobuf.Struct"),
		}
	}

	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(strings.ReplaceAll(pkg, ".", "/") + "/" + strings.ToLower(name) + ".proto"),
		Package:    proto.String(pkg),
		Dependency: []string{"google/protobuf/struct.proto"},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String(name),
			Method: methods,
		}},
		Syntax: proto.String("proto3"),
	}

	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		return fmt.Errorf("build descriptor for %s: %w", s.Name, err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		return fmt.Errorf("register descriptor for %s: %w", s.Name, err)
	}
	return nil
}

// Names lists the fully qualified names of services, for reflection.
func Names(services ...Service) []string {
	out := make([]string, len(services))
	for i, s := range services {
		out[i] = s.Name
	}
	return out
}
