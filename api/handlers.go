package api

import (
	"encoding/json"
	"net/http"

	"github.com/drpcorg/factory"
	"github.com/drpcorg/factory/directory"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/migrations"
	"github.com/drpcorg/factory/presets"
	"github.com/drpcorg/factory/relations"
	"github.com/drpcorg/factory/tags"
	"github.com/gin-gonic/gin"
)

func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// query binds a JSON body of type Q, runs fn and writes its result.
func query[Q, R any](fn func(c *gin.Context, q Q) (R, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q Q
		if err := c.ShouldBindJSON(&q); err != nil {
			badRequest(c, err)
			return
		}
		res, err := fn(c, q)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// --- configuration ---

func HandleInit(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg factory.Config
		if err := c.ShouldBindJSON(&cfg); err != nil {
			badRequest(c, err)
			return
		}
		if err := f.Init(c.Request.Context(), cfg); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, cfg)
	}
}

func HandleGetConfig(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := f.Config(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

func HandleSetConfig(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg factory.Config
		if err := c.ShouldBindJSON(&cfg); err != nil {
			badRequest(c, err)
			return
		}
		if err := f.SetConfig(c.Request.Context(), caller(c), cfg); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// --- records ---

// HandleCreate answers 202: the record exists once its instantiation
// reply comes back.
func HandleCreate(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p factory.CreateParams
		if err := c.ShouldBindJSON(&p); err != nil {
			badRequest(c, err)
			return
		}
		cmd, err := f.Create(c.Request.Context(), caller(c), p)
		if err != nil && cmd.Kind == "" {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, CommandsResponse{Commands: []host.Command{cmd}, DispatchError: errText(err)})
	}
}

func HandleUpdate(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p factory.UpdateParams
		if err := c.ShouldBindJSON(&p); err != nil {
			badRequest(c, err)
			return
		}
		if err := f.Update(c.Request.Context(), caller(c), p); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type HiddenRequest struct {
	Record *directory.Selector `json:"record,omitempty"`
}

func HandleToggleHidden(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req HiddenRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
		}
		hidden, err := f.ToggleHidden(c.Request.Context(), caller(c), req.Record)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"hidden": hidden})
	}
}

func HandleRecordCount(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := f.RecordCount(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": n})
	}
}

func HandleRecordMetadata(f *factory.Factory) gin.HandlerFunc {
	return query(func(c *gin.Context, sel directory.Selector) (directory.Metadata, error) {
		return f.RecordMetadata(c.Request.Context(), sel)
	})
}

func HandleRecordTags(f *factory.Factory) gin.HandlerFunc {
	return query(func(c *gin.Context, q factory.RecordQuery) (factory.Result[tags.Weighted], error) {
		return f.RecordTags(c.Request.Context(), q)
	})
}

func HandleRecordRelations(f *factory.Factory) gin.HandlerFunc {
	return query(func(c *gin.Context, q factory.RecordQuery) (factory.Result[relations.Relation], error) {
		return f.RecordRelations(c.Request.Context(), q)
	})
}

type HasTagsRequest struct {
	Record    directory.Selector `json:"record"`
	Selectors []tags.Selector    `json:"selectors"`
	Test      indexes.Test       `json:"test"`
}

type HasRelationsRequest struct {
	Record    directory.Selector   `json:"record"`
	Selectors []relations.Selector `json:"selectors"`
	Test      indexes.Test         `json:"test"`
}

type IsRelatedRequest struct {
	Record   directory.Selector `json:"record"`
	Relation relations.Relation `json:"relation"`
}

type Answer struct {
	Result bool `json:"result"`
}

func HandleHasTags(f *factory.Factory) gin.HandlerFunc {
	return query(func(c *gin.Context, q HasTagsRequest) (Answer, error) {
		ok, err := f.RecordHasTags(c.Request.Context(), q.Record, q.Selectors, q.Test)
		return Answer{ok}, err
	})
}

func HandleHasRelations(f *factory.Factory) gin.HandlerFunc {
	return query(func(c *gin.Context, q HasRelationsRequest) (Answer, error) {
		ok, err := f.RecordHasRelations(c.Request.Context(), q.Record, q.Selectors, q.Test)
		return Answer{ok}, err
	})
}

func HandleIsRelatedTo(f *factory.Factory) gin.HandlerFunc {
	return query(func(c *gin.Context, q IsRelatedRequest) (Answer, error) {
		ok, err := f.RecordIsRelatedTo(c.Request.Context(), q.Record, q.Relation)
		return Answer{ok}, err
	})
}

// --- index scans ---

func HandleRange(f *factory.Factory) gin.HandlerFunc {
	return query(func(c *gin.Context, q factory.RangeQuery) (factory.Result[string], error) {
		return f.RecordsInRange(c.Request.Context(), q)
	})
}

func HandleByTag(f *factory.Factory) gin.HandlerFunc {
	return query(func(c *gin.Context, q factory.TagQuery) (factory.Result[factory.TaggedRecord], error) {
		return f.RecordsByTag(c.Request.Context(), q)
	})
}

func HandleRelatedTo(f *factory.Factory) gin.HandlerFunc {
	return query(func(c *gin.Context, q factory.RelatedQuery) (factory.Result[factory.RelatedRecord], error) {
		return f.RecordsRelatedTo(c.Request.Context(), q)
	})
}

// --- presets ---

func HandleListPresets(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var paging factory.Paging
		if err := c.ShouldBindQuery(&paging); err != nil {
			badRequest(c, err)
			return
		}
		res, err := f.Presets(c.Request.Context(), paging)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func HandleGetPreset(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := f.Preset(c.Request.Context(), c.Param("name"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func HandleSetPreset(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p presets.Preset
		if err := c.ShouldBindJSON(&p); err != nil {
			badRequest(c, err)
			return
		}
		p.Name = c.Param("name")
		if err := f.SetPreset(c.Request.Context(), caller(c), p); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func HandleRemovePreset(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := f.RemovePreset(c.Request.Context(), caller(c), c.Param("name")); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// --- migrations ---

type CommandsResponse struct {
	Session       *migrations.Session `json:"session,omitempty"`
	Commands      []host.Command      `json:"commands"`
	DispatchError string              `json:"dispatch_error,omitempty"`
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// dispatched writes the outcome of a session command. Commands that were
// committed but failed to dispatch are still reported.
func dispatched(c *gin.Context, s migrations.Session, cmds []host.Command, err error) {
	if err != nil && cmds == nil {
		fail(c, err)
		return
	}
	if cmds == nil {
		cmds = []host.Command{}
	}
	c.JSON(http.StatusOK, CommandsResponse{Session: &s, Commands: cmds, DispatchError: errText(err)})
}

func HandleBeginMigration(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p migrations.Params
		if err := c.ShouldBindJSON(&p); err != nil {
			badRequest(c, err)
			return
		}
		s, err := f.BeginMigration(c.Request.Context(), caller(c), p)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, s)
	}
}

func HandleGetMigration(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var paging factory.Paging
		if err := c.ShouldBindQuery(&paging); err != nil {
			badRequest(c, err)
			return
		}
		ms, err := f.MigrationSession(c.Request.Context(), c.Param("name"), paging)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ms)
	}
}

func HandleStepMigration(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, cmds, err := f.StepMigration(c.Request.Context(), caller(c), c.Param("name"))
		dispatched(c, s, cmds, err)
	}
}

// HandleRetryMigration takes optional replacement parameters as its body.
func HandleRetryMigration(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var override *migrations.Params
		if c.Request.ContentLength > 0 {
			override = new(migrations.Params)
			if err := c.ShouldBindJSON(override); err != nil {
				badRequest(c, err)
				return
			}
		}
		s, cmds, err := f.RetryMigration(c.Request.Context(), caller(c), c.Param("name"), override)
		dispatched(c, s, cmds, err)
	}
}

func HandleCancelMigration(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := f.CancelMigration(c.Request.Context(), caller(c), c.Param("name")); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type MigrateOneRequest struct {
	Address        string          `json:"address" binding:"required"`
	TargetTemplate uint64          `json:"target_template" binding:"required"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func HandleMigrateOne(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MigrateOneRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		cmd, err := f.MigrateOne(c.Request.Context(), caller(c), req.Address, req.TargetTemplate, req.Payload)
		if err != nil && cmd.Kind == "" {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, CommandsResponse{Commands: []host.Command{cmd}, DispatchError: errText(err)})
	}
}

// --- replies ---

// HandleReply is where an external dispatcher delivers command outcomes.
func HandleReply(f *factory.Factory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var reply host.Reply
		if err := c.ShouldBindJSON(&reply); err != nil {
			badRequest(c, err)
			return
		}
		if err := f.HandleReply(c.Request.Context(), reply); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
