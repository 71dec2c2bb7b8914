package vectorindex

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// Qdrant is an Index backed by a remote Qdrant collection over gRPC.
type Qdrant struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	dimension   int
}

// NewQdrant dials the Qdrant endpoint and ensures the collection exists
// with cosine distance and the configured dimension.
func NewQdrant(ctx context.Context, cfg QdrantConfig, dimension int) (*Qdrant, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	q := &Qdrant{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  cfg.Collection,
		dimension:   dimension,
	}
	if err := q.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	_, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection})
	if err == nil {
		return nil
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	return nil
}

// Add validates the dimension and upserts the document as a point. The
// raw text travels in the payload under "text".
func (q *Qdrant) Add(ctx context.Context, doc Document) error {
	if len(doc.Embedding) != q.dimension {
		return &DimensionError{Got: len(doc.Embedding), Want: q.dimension}
	}

	payload := make(map[string]*pb.Value, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	payload["text"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: doc.Text}}

	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: doc.ID}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: doc.Embedding}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", q.collection, err)
	}
	return nil
}

// Search runs a filtered nearest-neighbor query. The metadata filter is
// translated into qdrant Must conditions, so filtering happens before
// ranking on the server.
func (q *Qdrant) Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if len(vector) != q.dimension {
		return nil, &DimensionError{Got: len(vector), Want: q.dimension}
	}
	if k <= 0 {
		return []Result{}, nil
	}

	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filter) > 0 {
		must := make([]*pb.Condition, 0, len(filter))
		for key, val := range filter {
			must = append(must, &pb.Condition{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{
						Key:   key,
						Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: val}},
					},
				},
			})
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", q.collection, err)
	}

	results := make([]Result, 0, len(resp.Result))
	for _, r := range resp.Result {
		doc := Document{
			ID:       r.Id.GetUuid(),
			Metadata: make(map[string]string),
		}
		for k, v := range r.Payload {
			sv, ok := v.Kind.(*pb.Value_StringValue)
			if !ok {
				continue
			}
			if k == "text" {
				doc.Text = sv.StringValue
			} else {
				doc.Metadata[k] = sv.StringValue
			}
		}
		results = append(results, Result{Document: doc, Score: r.Score})
	}
	return results, nil
}

// Close tears down the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}
