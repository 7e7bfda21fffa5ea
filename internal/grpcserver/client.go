package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Client calls QuotaAdmin over an existing connection using the protobuf codec.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) Grant(ctx context.Context, request *GrantRequest, options ...grpc.CallOption) (*GrantResponse, error) {
	response := new(GrantResponse)
	if err := client.invoke(ctx, methodGrant, request, response, options); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) Sweep(ctx context.Context, request *SweepRequest, options ...grpc.CallOption) (*SweepResponse, error) {
	response := new(SweepResponse)
	if err := client.invoke(ctx, methodSweep, request, response, options); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) Reconcile(ctx context.Context, request *AccountRequest, options ...grpc.CallOption) (*ReconcileResponse, error) {
	response := new(ReconcileResponse)
	if err := client.invoke(ctx, methodReconcile, request, response, options); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetAccount(ctx context.Context, request *AccountRequest, options ...grpc.CallOption) (*AccountResponse, error) {
	response := new(AccountResponse)
	if err := client.invoke(ctx, methodGetAccount, request, response, options); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) invoke(ctx context.Context, method string, request wireMessage, response wireMessage, options []grpc.CallOption) error {
	reply := dynamicpb.NewMessage(response.descriptor())
	if err := client.conn.Invoke(ctx, method, request.toProto(), reply, options...); err != nil {
		return err
	}
	response.fromProto(reply)
	return nil
}

// BearerToken attaches a service token to every call.
type BearerToken struct {
	Token    string
	Insecure bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (token BearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{authorizationHeader: "Bearer " + token.Token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (token BearerToken) RequireTransportSecurity() bool {
	return !token.Insecure
}
