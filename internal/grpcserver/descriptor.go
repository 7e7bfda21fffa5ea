package grpcserver

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	adminProtoFile    = "mediaquota/admin/v1/quota_admin.proto"
	adminProtoPackage = "mediaquota.admin.v1"
	adminServiceName  = "QuotaAdmin"

	messageGrantRequest      = "GrantRequest"
	messageGrantResponse     = "GrantResponse"
	messageSweepRequest      = "SweepRequest"
	messageSweepResponse     = "SweepResponse"
	messageAccountRequest    = "AccountRequest"
	messageAccountResponse   = "AccountResponse"
	messageReconcileResponse = "ReconcileResponse"
)

// adminFile describes the QuotaAdmin wire contract. It is the runtime form of
// quota_admin.proto, so the default gRPC proto codec can encode the admin
// messages through dynamicpb.
var adminFile = mustBuildAdminFile()

var (
	grantRequestDescriptor      = adminMessage(messageGrantRequest)
	grantResponseDescriptor     = adminMessage(messageGrantResponse)
	sweepRequestDescriptor      = adminMessage(messageSweepRequest)
	sweepResponseDescriptor     = adminMessage(messageSweepResponse)
	accountRequestDescriptor    = adminMessage(messageAccountRequest)
	accountResponseDescriptor   = adminMessage(messageAccountResponse)
	reconcileResponseDescriptor = adminMessage(messageReconcileResponse)
)

func adminMessage(name string) protoreflect.MessageDescriptor {
	descriptor := adminFile.Messages().ByName(protoreflect.Name(name))
	if descriptor == nil {
		panic(fmt.Sprintf("grpcserver: message %s missing from %s", name, adminProtoFile))
	}
	return descriptor
}

func mustBuildAdminFile() protoreflect.FileDescriptor {
	file, err := protodesc.NewFile(adminFileProto(), nil)
	if err != nil {
		panic(fmt.Sprintf("grpcserver: build %s: %v", adminProtoFile, err))
	}
	return file
}

func adminFileProto() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(adminProtoFile),
		Package: proto.String(adminProtoPackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			messageProto(messageGrantRequest,
				scalarField("user_id", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				scalarField("units", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("source", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				scalarField("reference", 4, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				scalarField("metadata_json", 5, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			),
			messageProto(messageGrantResponse,
				scalarField("new_balance", 1, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("replayed", 2, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
			),
			messageProto(messageSweepRequest),
			messageProto(messageSweepResponse,
				scalarField("cutoff_unix_utc", 1, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("examined", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("reclaimed", 3, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("skipped", 4, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("failed", 5, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("last_error", 6, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			),
			messageProto(messageAccountRequest,
				scalarField("user_id", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			),
			messageProto(messageAccountResponse,
				scalarField("user_id", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				scalarField("total", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("spent", 3, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("balance", 4, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("reserved", 5, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("available", 6, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("created_unix_utc", 7, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("updated_unix_utc", 8, descriptorpb.FieldDescriptorProto_TYPE_INT64),
			),
			messageProto(messageReconcileResponse,
				messageField("account", 1, messageAccountResponse),
				scalarField("ledger_sum", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("drift", 3, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				scalarField("balanced", 4, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
			),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String(adminServiceName),
			Method: []*descriptorpb.MethodDescriptorProto{
				methodProto("Grant", messageGrantRequest, messageGrantResponse),
				methodProto("Sweep", messageSweepRequest, messageSweepResponse),
				methodProto("Reconcile", messageAccountRequest, messageReconcileResponse),
				methodProto("GetAccount", messageAccountRequest, messageAccountResponse),
			},
		}},
	}
}

func messageProto(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func scalarField(name string, number int32, fieldType descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   fieldType.Enum(),
	}
}

func messageField(name string, number int32, messageName string) *descriptorpb.FieldDescriptorProto {
	field := scalarField(name, number, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	field.TypeName = proto.String(qualifiedName(messageName))
	return field
}

func methodProto(name string, input string, output string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String(qualifiedName(input)),
		OutputType: proto.String(qualifiedName(output)),
	}
}

func qualifiedName(messageName string) string {
	return "." + adminProtoPackage + "." + messageName
}
