package repositories

import (
	"context"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PostRepository defines the interface for post data operations
type PostRepository interface {
	// CreatePost inserts post. When post.IdempotencyKey matches an existing
	// document by the same author, that document is returned instead and
	// created is false.
	CreatePost(ctx context.Context, post *models.Post) (created bool, err error)
	GetPostByID(ctx context.Context, id string) (*models.Post, error)
	GetPostsByUserID(ctx context.Context, userID string, limit int64) ([]models.Post, error)
	// ListPosts returns up to limit posts ordered newest first, strictly older
	// than before when it is non-nil.
	ListPosts(ctx context.Context, before *models.Cursor, limit int64) ([]models.Post, error)
	// AddLike and RemoveLike report whether the like set changed.
	AddLike(ctx context.Context, postID, userID string) (bool, error)
	RemoveLike(ctx context.Context, postID, userID string) (bool, error)
	AppendComment(ctx context.Context, postID string, comment models.Comment) error
	DeletePost(ctx context.Context, id string) error
}

// MongoPostRepository implements PostRepository for MongoDB
type MongoPostRepository struct {
	collection *mongo.Collection
}

// NewMongoPostRepository creates a new MongoPostRepository
func NewMongoPostRepository(db *mongo.Database) *MongoPostRepository {
	return &MongoPostRepository{collection: db.Collection("posts")}
}

var feedSort = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

// EnsureIndexes creates the indexes the feed and idempotent inserts rely on.
func (r *MongoPostRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: feedSort},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		idempotencyIndex(),
	})
	return dbError("posts.EnsureIndexes", err)
}

// idempotencyIndex makes an idempotency key unique per author. Two users may
// pick the same key.
func idempotencyIndex() mongo.IndexModel {
	return mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
		Options: options.Index().
			SetName("user_id_1_idempotency_key_1").
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
	}
}

// replayFilter finds the earlier post a retried create collided with.
func replayFilter(post *models.Post) bson.M {
	return bson.M{"user_id": post.UserID, "idempotency_key": post.IdempotencyKey}
}

// MigratePosts upgrades documents written before schema_version existed:
// missing like and comment arrays become empty arrays.
func (r *MongoPostRepository) MigratePosts(ctx context.Context) (int64, error) {
	var total int64
	outdated := bson.M{"$or": bson.A{
		bson.M{"schema_version": bson.M{"$exists": false}},
		bson.M{"schema_version": bson.M{"$lt": models.PostSchemaVersion}},
	}}
	steps := []bson.M{
		{"likes": bson.M{"$in": bson.A{nil}}},
		{"comments": bson.M{"$in": bson.A{nil}}},
	}
	fields := []string{"likes", "comments"}
	for i, missing := range steps {
		res, err := r.collection.UpdateMany(ctx,
			bson.M{"$and": bson.A{outdated, missing}},
			bson.M{"$set": bson.M{fields[i]: bson.A{}}},
		)
		if err != nil {
			return total, dbError("posts.Migrate", err)
		}
		total += res.ModifiedCount
	}
	res, err := r.collection.UpdateMany(ctx, outdated,
		bson.M{"$set": bson.M{"schema_version": models.PostSchemaVersion}})
	if err != nil {
		return total, dbError("posts.Migrate", err)
	}
	return total + res.ModifiedCount, nil
}

// CreatePost creates a new post in MongoDB
func (r *MongoPostRepository) CreatePost(ctx context.Context, post *models.Post) (bool, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	post.ID = primitive.NewObjectID()
	post.CreatedAt = now
	post.UpdatedAt = now
	post.Normalize()

	_, err := r.collection.InsertOne(ctx, post)
	if err == nil {
		return true, nil
	}
	if mongo.IsDuplicateKeyError(err) && post.IdempotencyKey != "" {
		var existing models.Post
		findErr := r.collection.FindOne(ctx, replayFilter(post)).Decode(&existing)
		if findErr != nil {
			return false, dbError("posts.Create", findErr)
		}
		existing.Normalize()
		*post = existing
		return false, nil
	}
	return false, dbError("posts.Create", err)
}

// GetPostByID retrieves a post by ID from MongoDB
func (r *MongoPostRepository) GetPostByID(ctx context.Context, id string) (*models.Post, error) {
	objID, err := parsePostID(id)
	if err != nil {
		return nil, err
	}

	var post models.Post
	err = r.collection.FindOne(ctx, bson.M{"_id": objID}).Decode(&post)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperr.NotFound("post not found")
		}
		return nil, dbError("posts.GetByID", err)
	}
	post.Normalize()
	return &post, nil
}

// GetPostsByUserID retrieves posts by a specific user from MongoDB
func (r *MongoPostRepository) GetPostsByUserID(ctx context.Context, userID string, limit int64) ([]models.Post, error) {
	findOptions := options.Find().SetLimit(limit).SetSort(feedSort)
	return r.find(ctx, "posts.GetByUserID", bson.M{"user_id": userID}, findOptions)
}

func (r *MongoPostRepository) ListPosts(ctx context.Context, before *models.Cursor, limit int64) ([]models.Post, error) {
	filter := bson.M{}
	if before != nil {
		oid, err := before.ObjectID()
		if err != nil {
			return nil, apperr.Validation("invalid cursor")
		}
		filter = bson.M{"$or": bson.A{
			bson.M{"created_at": bson.M{"$lt": before.CreatedAt}},
			bson.M{"created_at": before.CreatedAt, "_id": bson.M{"$lt": oid}},
		}}
	}
	findOptions := options.Find().SetLimit(limit).SetSort(feedSort)
	return r.find(ctx, "posts.List", filter, findOptions)
}

func (r *MongoPostRepository) find(ctx context.Context, op string, filter interface{}, opts *options.FindOptions) ([]models.Post, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, dbError(op, err)
	}
	defer cursor.Close(ctx)

	posts := []models.Post{}
	if err = cursor.All(ctx, &posts); err != nil {
		return nil, dbError(op, err)
	}
	for i := range posts {
		posts[i].Normalize()
	}
	return posts, nil
}

// AddLike puts userID in the like set; repeating it changes nothing.
func (r *MongoPostRepository) AddLike(ctx context.Context, postID, userID string) (bool, error) {
	return r.modify(ctx, "posts.AddLike", postID, bson.M{"likes": bson.M{"$ne": userID}}, bson.M{
		"$addToSet": bson.M{"likes": userID},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	})
}

// RemoveLike takes userID out of the like set; repeating it changes nothing.
func (r *MongoPostRepository) RemoveLike(ctx context.Context, postID, userID string) (bool, error) {
	return r.modify(ctx, "posts.RemoveLike", postID, bson.M{"likes": userID}, bson.M{
		"$pull": bson.M{"likes": userID},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
}

// AppendComment pushes comment unless a comment with the same id is already there.
func (r *MongoPostRepository) AppendComment(ctx context.Context, postID string, comment models.Comment) error {
	objID, err := parsePostID(postID)
	if err != nil {
		return err
	}
	filter := bson.M{"_id": objID, "comments.id": bson.M{"$ne": comment.ID}}
	res, err := r.collection.UpdateOne(ctx, filter, bson.M{
		"$push": bson.M{"comments": comment},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return dbError("posts.AppendComment", err)
	}
	if res.MatchedCount == 0 {
		// either the post is gone or the comment was already stored
		n, err := r.collection.CountDocuments(ctx, bson.M{"_id": objID})
		if err != nil {
			return dbError("posts.AppendComment", err)
		}
		if n == 0 {
			return apperr.NotFound("post not found")
		}
	}
	return nil
}

// modify applies update when the post also matches cond and reports whether
// it did. A post that exists but fails cond is left unchanged.
func (r *MongoPostRepository) modify(ctx context.Context, op, postID string, cond, update bson.M) (bool, error) {
	objID, err := parsePostID(postID)
	if err != nil {
		return false, err
	}
	filter := bson.M{"_id": objID}
	for k, v := range cond {
		filter[k] = v
	}
	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, dbError(op, err)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}
	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": objID}, options.Count().SetLimit(1))
	if err != nil {
		return false, dbError(op, err)
	}
	if n == 0 {
		return false, apperr.NotFound("post not found")
	}
	return false, nil
}

// DeletePost deletes a post by ID from MongoDB
func (r *MongoPostRepository) DeletePost(ctx context.Context, id string) error {
	objID, err := parsePostID(id)
	if err != nil {
		return err
	}

	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": objID})
	if err != nil {
		return dbError("posts.Delete", err)
	}
	if res.DeletedCount == 0 {
		return apperr.NotFound("post not found")
	}
	return nil
}

// WatchChanges calls onChange for every insert, update or delete on the
// collection until ctx is done. It requires a replica set.
func (r *MongoPostRepository) WatchChanges(ctx context.Context, onChange func()) error {
	stream, err := r.collection.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return dbError("posts.Watch", err)
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		onChange()
	}
	if ctx.Err() != nil {
		return nil
	}
	return dbError("posts.Watch", stream.Err())
}

func parsePostID(id string) (primitive.ObjectID, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, apperr.Validation("invalid post ID format")
	}
	return objID, nil
}
