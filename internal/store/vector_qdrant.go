package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/chatmemory/engine/internal/engineerr"
)

// payloadIDField stores the caller's original int64 id on each point since
// Qdrant point ids must themselves be a uint64 or a UUID.
const payloadIDField = "_original_id"

// qdrantVectorIndex implements VectorIndex against a single Qdrant instance,
// multiplexing the three logical collections (messages, facts, episodes)
// across physical Qdrant collections named "<prefix>_<collection>", created
// lazily on first use.
type qdrantVectorIndex struct {
	client     *qdrant.Client
	dimension  int
	collPrefix string
	ensured    map[string]bool
}

// NewQdrantVectorIndex returns a VectorIndex backed by a running Qdrant
// instance reachable at host:port (gRPC, default 6334).
func NewQdrantVectorIndex(host string, port int, dimension int, collPrefix string) (VectorIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "vector.NewQdrantVectorIndex", err)
	}
	return &qdrantVectorIndex{
		client:     client,
		dimension:  dimension,
		collPrefix: collPrefix,
		ensured:    make(map[string]bool),
	}, nil
}

func (v *qdrantVectorIndex) Dimension() int { return v.dimension }

func (v *qdrantVectorIndex) physicalName(collection string) string {
	return v.collPrefix + "_" + collection
}

func (v *qdrantVectorIndex) ensureCollection(ctx context.Context, collection string) error {
	name := v.physicalName(collection)
	if v.ensured[name] {
		return nil
	}
	exists, err := v.client.CollectionExists(ctx, name)
	if err != nil {
		return engineerr.E(engineerr.KindStore, "vector.ensureCollection", err)
	}
	if !exists {
		err = v.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(v.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return engineerr.E(engineerr.KindStore, "vector.ensureCollection", err)
		}
	}
	v.ensured[name] = true
	return nil
}

func pointUUID(collection string, id int64) string {
	key := fmt.Sprintf("%s:%d", collection, id)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (v *qdrantVectorIndex) Upsert(ctx context.Context, collection string, id int64, embedding []float32, payload map[string]any) error {
	if err := v.ensureCollection(ctx, collection); err != nil {
		return err
	}
	metadataAny := make(map[string]any, len(payload)+1)
	for k, val := range payload {
		metadataAny[k] = val
	}
	metadataAny[payloadIDField] = strconv.FormatInt(id, 10)

	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	points := []*qdrant.PointStruct{
		{
			Id:      qdrant.NewIDUUID(pointUUID(collection, id)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(metadataAny),
		},
	}
	_, err := v.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: v.physicalName(collection),
		Points:         points,
	})
	if err != nil {
		return engineerr.E(engineerr.KindStore, "vector.Upsert", err)
	}
	return nil
}

func (v *qdrantVectorIndex) Delete(ctx context.Context, collection string, id int64) error {
	_, err := v.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: v.physicalName(collection),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointUUID(collection, id))),
	})
	if err != nil {
		return engineerr.E(engineerr.KindStore, "vector.Delete", err)
	}
	return nil
}

func (v *qdrantVectorIndex) SimilaritySearch(ctx context.Context, collection string, embedding []float32, filter map[string]any, limit int) ([]VectorResult, error) {
	if err := v.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	var queryFilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, val := range filter {
			switch t := val.(type) {
			case string:
				must = append(must, qdrant.NewMatch(k, t))
			default:
				must = append(must, qdrant.NewMatch(k, fmt.Sprintf("%v", t)))
			}
		}
		queryFilter = &qdrant.Filter{Must: must}
	}

	lim := uint64(limit)
	hits, err := v.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: v.physicalName(collection),
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &lim,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "vector.SimilaritySearch", err)
	}

	out := make([]VectorResult, 0, len(hits))
	for _, hit := range hits {
		var origID int64
		if hit.Payload != nil {
			if v, ok := hit.Payload[payloadIDField]; ok {
				origID, _ = strconv.ParseInt(v.GetStringValue(), 10, 64)
			}
		}
		out = append(out, VectorResult{ID: origID, Score: float64(hit.Score)})
	}
	return out, nil
}
