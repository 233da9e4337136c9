// Package rpc serves the ledger read API over gRPC. The protobuf schema of
// ilpnode.v1 is assembled at init from descriptors, and messages travel as
// dynamic protobuf messages on gRPC's default codec.
package rpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	protoPackage = "ilpnode.v1"
	protoFile    = "ilpnode/v1/ledger.proto"
	ServiceName  = protoPackage + ".Ledger"
)

var ledgerFile = mustBuildFile()

type fieldSpec struct {
	name     string
	kind     descriptorpb.FieldDescriptorProto_Type
	repeated bool
	message  string // fully qualified, for message fields
}

func str(name string) fieldSpec {
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_STRING}
}

func strs(name string) fieldSpec {
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_STRING, repeated: true}
}

func msg(name, typ string, repeated bool) fieldSpec {
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, repeated: repeated, message: typ}
}

func message(name string, fields ...fieldSpec) *descriptorpb.DescriptorProto {
	d := &descriptorpb.DescriptorProto{Name: proto.String(name)}
	for i, f := range fields {
		label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		if f.repeated {
			label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		}
		fd := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(f.name),
			Number: proto.Int32(int32(i + 1)),
			Label:  label.Enum(),
			Type:   f.kind.Enum(),
		}
		if f.message != "" {
			fd.TypeName = proto.String("." + f.message)
		}
		d.Field = append(d.Field, fd)
	}
	return d
}

func method(name string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String("." + protoPackage + "." + name + "Request"),
		OutputType: proto.String("." + protoPackage + "." + name + "Response"),
	}
}

func mustBuildFile() protoreflect.FileDescriptor {
	account := protoPackage + ".Account"
	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(protoFile),
		Package:    proto.String(protoPackage),
		Syntax:     proto.String("proto3"),
		Dependency: []string{timestamppb.File_google_protobuf_timestamp_proto.Path()},
		MessageType: []*descriptorpb.DescriptorProto{
			message("Account", str("path"), str("limit"), str("debits_posted"), str("credits_posted"),
				str("debits_pending"), str("credits_pending"), str("balance")),
			message("Transfer", str("debit_account"), str("credit_account"), str("amount"),
				msg("created_at", "google.protobuf.Timestamp", false)),
			message("GetAccountRequest", str("path")),
			message("GetAccountResponse", msg("account", account, false)),
			message("ListAccountsRequest", str("prefix")),
			message("ListAccountsResponse", msg("accounts", account, true)),
			message("ListLedgersRequest"),
			message("ListLedgersResponse", strs("ledgers")),
			message("ListPendingTransfersRequest"),
			message("ListPendingTransfersResponse", msg("transfers", protoPackage+".Transfer", true)),
			message("GetOwnerBalanceRequest"),
			message("GetOwnerBalanceResponse", str("ledger"), str("balance")),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Ledger"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("GetAccount"),
				method("ListAccounts"),
				method("ListLedgers"),
				method("ListPendingTransfers"),
				method("GetOwnerBalance"),
			},
		}},
	}

	deps := new(protoregistry.Files)
	if err := deps.RegisterFile(timestamppb.File_google_protobuf_timestamp_proto); err != nil {
		panic(fmt.Sprintf("register timestamp.proto: %v", err))
	}
	fd, err := protodesc.NewFile(fdp, deps)
	if err != nil {
		panic(fmt.Sprintf("build %s: %v", protoFile, err))
	}
	return fd
}

// newMessage returns an empty ilpnode.v1 message called name.
func newMessage(name protoreflect.Name) *dynamicpb.Message {
	md := ledgerFile.Messages().ByName(name)
	if md == nil {
		panic(fmt.Sprintf("rpc: no message %s in %s", name, protoFile))
	}
	return dynamicpb.NewMessage(md)
}

// wireMessage is a Go request or response that maps onto an ilpnode.v1
// protobuf message of the same name.
type wireMessage interface {
	messageName() protoreflect.Name
	encode(m protoreflect.Message)
	decode(m protoreflect.Message)
}

func toWire(w wireMessage) *dynamicpb.Message {
	m := newMessage(w.messageName())
	w.encode(m)
	return m
}

func field(m protoreflect.Message, name string) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(fmt.Sprintf("rpc: %s has no field %s", m.Descriptor().FullName(), name))
	}
	return fd
}

func setString(m protoreflect.Message, name, v string) {
	m.Set(field(m, name), protoreflect.ValueOfString(v))
}

func getString(m protoreflect.Message, name string) string {
	return m.Get(field(m, name)).String()
}
