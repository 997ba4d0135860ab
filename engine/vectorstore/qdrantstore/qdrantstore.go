// Package qdrantstore is the Qdrant-backed VectorDB adapter. Adapted from
// the teacher's engine/semantic/store.go: generalized from
// (doc_id, chunk_index) payload keys to (uri, source) keys, and wraps
// Upsert in the §4.2 retry policy instead of the teacher's fire-once call.
package qdrantstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/LinQiang391/OpenViking/engine/vectorstore"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/fn"
)

// Store is the sole owner of all Qdrant gRPC operations.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// New dials Qdrant at addr and targets collection.
func New(addr, collection string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrantstore: dial %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error { return s.conn.Close() }

// EnsureCollection creates the collection if absent.
func (s *Store) EnsureCollection(ctx context.Context, dims int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("qdrantstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dims), Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrantstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

func payloadToPb(payload map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(payload))
	for k, v := range payload {
		switch tv := v.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out
}

// Upsert stores records, retried per §4.2's backoff policy (base 500ms,
// cap 30s, 5 attempts) on transient backend errors.
func (s *Store) Upsert(ctx context.Context, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		payload := payloadToPb(r.Payload)
		payload["uri"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: string(r.URI)}}
		payload["source"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: string(r.Source)}}
		payload["modality"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: string(r.Modality)}}

		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuidFor(r.ID())}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}}},
			Payload: payload,
		}
	}

	result := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: vectorstore.UpsertRetry.MaxAttempts,
		InitialWait: vectorstore.UpsertRetry.BaseDelay,
		MaxWait:     vectorstore.UpsertRetry.MaxDelay,
		Jitter:      true,
	}, func(ctx context.Context) fn.Result[struct{}] {
		wait := true
		_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: s.collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return fn.Errf[struct{}]("qdrantstore: upsert %d points: %w", len(points), err)
		}
		return fn.Ok(struct{}{})
	})
	_, err := result.Unwrap()
	return err
}

// Search performs k-NN similarity search. Never retries (§4.2).
func (s *Store) Search(ctx context.Context, query []float32, opts vectorstore.SearchOpts) ([]vectorstore.Result, error) {
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         query,
		Limit:          uint64(opts.Limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if opts.TargetURIPrefix != "" {
		req.Filter = &pb.Filter{
			Must: []*pb.Condition{prefixMatch("uri", string(opts.TargetURIPrefix))},
		}
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrantstore: search: %w", err)
	}

	results := make([]vectorstore.Result, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		score := clamp(r.GetScore())
		if score < opts.ScoreThreshold {
			continue
		}
		payload := r.GetPayload()
		uriStr := payload["uri"].GetStringValue()
		source := payload["source"].GetStringValue()
		meta := make(map[string]any, len(payload))
		for k, v := range payload {
			if k == "uri" || k == "source" || k == "modality" {
				continue
			}
			meta[k] = v.GetStringValue()
		}
		results = append(results, vectorstore.Result{
			URI:     vkuri.URI(uriStr),
			Source:  vectorstore.Source(source),
			Score:   score,
			Payload: meta,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].URI < results[j].URI
	})
	return results, nil
}

// Delete cascades on uriPrefix, used when AGFS subtrees are removed.
func (s *Store) Delete(ctx context.Context, uriPrefix vkuri.URI) (int, error) {
	count, err := s.Count(ctx, uriPrefix)
	if err != nil {
		return 0, err
	}
	wait := true
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{prefixMatch("uri", string(uriPrefix))}},
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("qdrantstore: delete prefix %s: %w", uriPrefix, err)
	}
	return count, nil
}

// Count scans via the scroll API, counting matches for uriPrefix.
func (s *Store) Count(ctx context.Context, uriPrefix vkuri.URI) (int, error) {
	filter := &pb.Filter{Must: []*pb.Condition{prefixMatch("uri", string(uriPrefix))}}
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.collection,
		Filter:         filter,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrantstore: count prefix %s: %w", uriPrefix, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

func prefixMatch(key, prefix string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Text{Text: prefix}},
			},
		},
	}
}

func clamp(s float32) float32 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// uuidFor derives a deterministic point UUID from an arbitrary key string
// so repeated upserts of the same (uri, source) replace the same point,
// exactly as the teacher derives chunk point ids with uuid.NewSHA1.
func uuidFor(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}
