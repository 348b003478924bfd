package tenants

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/flarebyte/tenant-lifecycle/internal/transport/grpcjson"
)

// MaxMessageBytes bounds gRPC messages; archives travel inline.
const MaxMessageBytes = 64 << 20

// Client calls a remote LifecycleService.
type Client struct {
	conn *grpc.ClientConn
}

var _ LifecycleServer = (*Client)(nil)

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpcjson.DialOption(),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageBytes), grpc.MaxCallSendMsgSize(MaxMessageBytes)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func invoke[T any](ctx context.Context, c *Client, method string, in any) (*T, error) {
	out := new(T)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Export(ctx context.Context, in *ExportRequest) (*ExportResponse, error) {
	return invoke[ExportResponse](ctx, c, "Export", in)
}

func (c *Client) Validate(ctx context.Context, in *ValidateRequest) (*ValidateResponse, error) {
	return invoke[ValidateResponse](ctx, c, "Validate", in)
}

func (c *Client) Import(ctx context.Context, in *ImportRequest) (*ReportResponse, error) {
	return invoke[ReportResponse](ctx, c, "Import", in)
}

func (c *Client) Migrate(ctx context.Context, in *MigrateRequest) (*ReportResponse, error) {
	return invoke[ReportResponse](ctx, c, "Migrate", in)
}

func (c *Client) CheckTenant(ctx context.Context, in *CheckTenantRequest) (*CheckTenantResponse, error) {
	return invoke[CheckTenantResponse](ctx, c, "CheckTenant", in)
}
