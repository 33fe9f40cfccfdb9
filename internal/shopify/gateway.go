// Package shopify implements the external discount gateway against the
// Shopify Admin GraphQL API. Only the operations the progression engine
// needs are covered: read the applied percentage of a code discount, write
// a new percentage, and create a basic code discount when one is issued.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xelorn/progressive-discounts/internal/domain/discount"
)

const (
	queryDiscountPercentage = `query discountPercentage($id: ID!) {
  discountNode(id: $id) {
    discount {
      ... on DiscountCodeBasic {
        customerGets { value { ... on DiscountPercentage { percentage } } }
      }
    }
  }
}`

	mutationUpdatePercentage = `mutation updateDiscountPercentage($id: ID!, $discount: DiscountCodeBasicInput!) {
  discountCodeBasicUpdate(id: $id, basicCodeDiscount: $discount) {
    codeDiscountNode { id }
    userErrors { field message }
  }
}`

	mutationCreateDiscount = `mutation createDiscountCode($discount: DiscountCodeBasicInput!) {
  discountCodeBasicCreate(basicCodeDiscount: $discount) {
    codeDiscountNode {
      id
      codeDiscount {
        ... on DiscountCodeBasic { codes(first: 1) { nodes { code } } }
      }
    }
    userErrors { field message }
  }
}`
)

// Config holds the connection parameters for one shop's Admin API.
type Config struct {
	// Endpoint is the full GraphQL URL, e.g.
	// https://{shop}.myshopify.com/admin/api/2024-10/graphql.json.
	Endpoint    string
	AccessToken string
	Timeout     time.Duration
}

var _ discount.Gateway = (*Client)(nil)

// Client is a minimal Admin GraphQL client. The platform offers no
// transactional semantics; every write is at-least-once from the engine's
// perspective and the coordinator orders its writes accordingly.
type Client struct {
	http     *http.Client
	endpoint string
	token    string
}

// NewClient creates a gateway client for the given shop.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		endpoint: cfg.Endpoint,
		token:    cfg.AccessToken,
	}
}

// ReadPercentage returns the discount percentage a checkout currently
// observes for the given discount node, in percent (0-100).
// Returns discount.ErrNotFound when the node does not exist or is not a
// percentage-based code discount.
func (c *Client) ReadPercentage(ctx context.Context, externalID string) (decimal.Decimal, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("query", func(e *jx.Encoder) { e.Str(queryDiscountPercentage) })
		e.Field("variables", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(externalID) })
			})
		})
	})

	var resp struct {
		DiscountNode *struct {
			Discount struct {
				CustomerGets struct {
					Value struct {
						Percentage *float64 `json:"percentage"`
					} `json:"value"`
				} `json:"customerGets"`
			} `json:"discount"`
		} `json:"discountNode"`
	}
	if err := c.do(ctx, e.Bytes(), &resp); err != nil {
		return decimal.Zero, err
	}

	node := resp.DiscountNode
	if node == nil || node.Discount.CustomerGets.Value.Percentage == nil {
		return decimal.Zero, discount.ErrNotFound
	}

	// The API reports a 0..1 fraction; the engine works in percent.
	return decimal.NewFromFloat(*node.Discount.CustomerGets.Value.Percentage).
		Mul(decimal.NewFromInt(100)), nil
}

// WritePercentage overwrites the discount's percentage. The value is
// converted to the API's 0..1 fraction at the wire.
func (c *Client) WritePercentage(ctx context.Context, externalID string, percentage decimal.Decimal) error {
	fraction := percentage.Div(decimal.NewFromInt(100)).InexactFloat64()

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("query", func(e *jx.Encoder) { e.Str(mutationUpdatePercentage) })
		e.Field("variables", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(externalID) })
				e.Field("discount", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						e.Field("customerGets", func(e *jx.Encoder) {
							e.Obj(func(e *jx.Encoder) {
								e.Field("value", func(e *jx.Encoder) {
									e.Obj(func(e *jx.Encoder) {
										e.Field("percentage", func(e *jx.Encoder) { e.Float64(fraction) })
									})
								})
								e.Field("items", func(e *jx.Encoder) {
									e.Obj(func(e *jx.Encoder) {
										e.Field("all", func(e *jx.Encoder) { e.Bool(true) })
									})
								})
							})
						})
					})
				})
			})
		})
	})

	var resp struct {
		DiscountCodeBasicUpdate struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"discountCodeBasicUpdate"`
	}
	if err := c.do(ctx, e.Bytes(), &resp); err != nil {
		return err
	}
	if errs := resp.DiscountCodeBasicUpdate.UserErrors; len(errs) > 0 {
		return errors.Errorf("discount update rejected: %s", errs[0].Message)
	}
	return nil
}

// CreateDiscountParams describes a basic code discount to issue.
type CreateDiscountParams struct {
	Title              string
	Code               string
	CustomerGID        string
	StartingPercentage decimal.Decimal
	StartsAt           time.Time
	EndsAt             time.Time
}

// CreateDiscountResult carries the platform identity of the issued
// discount. Code may differ from the requested one if the platform
// normalized it.
type CreateDiscountResult struct {
	ExternalID string
	Code       string
}

// CreateDiscount issues a basic code discount on the platform, limited to
// the given customer when CustomerGID is set.
func (c *Client) CreateDiscount(ctx context.Context, p CreateDiscountParams) (*CreateDiscountResult, error) {
	fraction := p.StartingPercentage.Div(decimal.NewFromInt(100)).InexactFloat64()

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("query", func(e *jx.Encoder) { e.Str(mutationCreateDiscount) })
		e.Field("variables", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("discount", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						e.Field("title", func(e *jx.Encoder) { e.Str(p.Title) })
						e.Field("code", func(e *jx.Encoder) { e.Str(p.Code) })
						e.Field("startsAt", func(e *jx.Encoder) { e.Str(p.StartsAt.Format(time.RFC3339)) })
						e.Field("endsAt", func(e *jx.Encoder) { e.Str(p.EndsAt.Format(time.RFC3339)) })
						if p.CustomerGID != "" {
							e.Field("customerSelection", func(e *jx.Encoder) {
								e.Obj(func(e *jx.Encoder) {
									e.Field("customers", func(e *jx.Encoder) {
										e.Obj(func(e *jx.Encoder) {
											e.Field("add", func(e *jx.Encoder) {
												e.Arr(func(e *jx.Encoder) { e.Str(p.CustomerGID) })
											})
										})
									})
								})
							})
						}
						e.Field("customerGets", func(e *jx.Encoder) {
							e.Obj(func(e *jx.Encoder) {
								e.Field("value", func(e *jx.Encoder) {
									e.Obj(func(e *jx.Encoder) {
										e.Field("percentage", func(e *jx.Encoder) { e.Float64(fraction) })
									})
								})
								e.Field("items", func(e *jx.Encoder) {
									e.Obj(func(e *jx.Encoder) {
										e.Field("all", func(e *jx.Encoder) { e.Bool(true) })
									})
								})
							})
						})
						e.Field("appliesOncePerCustomer", func(e *jx.Encoder) { e.Bool(false) })
					})
				})
			})
		})
	})

	var resp struct {
		DiscountCodeBasicCreate struct {
			CodeDiscountNode *struct {
				ID           string `json:"id"`
				CodeDiscount struct {
					Codes struct {
						Nodes []struct {
							Code string `json:"code"`
						} `json:"nodes"`
					} `json:"codes"`
				} `json:"codeDiscount"`
			} `json:"codeDiscountNode"`
			UserErrors []userError `json:"userErrors"`
		} `json:"discountCodeBasicCreate"`
	}
	if err := c.do(ctx, e.Bytes(), &resp); err != nil {
		return nil, err
	}

	create := resp.DiscountCodeBasicCreate
	if len(create.UserErrors) > 0 {
		return nil, errors.Errorf("discount create rejected: %s", create.UserErrors[0].Message)
	}
	if create.CodeDiscountNode == nil {
		return nil, errors.New("discount create returned no node")
	}

	result := &CreateDiscountResult{
		ExternalID: create.CodeDiscountNode.ID,
		Code:       p.Code,
	}
	if nodes := create.CodeDiscountNode.CodeDiscount.Codes.Nodes; len(nodes) > 0 {
		result.Code = nodes[0].Code
	}
	return result, nil
}

type userError struct {
	Message string `json:"message"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// do posts one GraphQL request and decodes the data payload into out.
// Transport failures, non-2xx statuses, and top-level GraphQL errors all
// surface as errors; callers wrap them into the domain taxonomy.
func (c *Client) do(ctx context.Context, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.Wrap(err, "decode response")
	}
	if len(envelope.Errors) > 0 {
		return errors.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errors.Wrap(err, "decode data")
		}
	}
	return nil
}
