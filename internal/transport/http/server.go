package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"docuchat/internal/ai"
	appsvc "docuchat/internal/app"
	"docuchat/internal/bootstrap"
	"docuchat/internal/retrieval"
	"docuchat/internal/transport/http/handler"
	"docuchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	repos := bootstrap.NewRepositories(app.MySQL)
	index := retrieval.NewIndex(repos.Chunks, app.Log)

	authService := appsvc.NewAuthService(
		repos.Users,
		app.Config.Auth.JWTSecret,
		time.Duration(app.Config.Auth.JWTExpireMinute)*time.Minute,
	)
	convService := appsvc.NewConversationService(
		repos.Conversations,
		repos.Documents,
		repos.Chunks,
		repos.Messages,
		repos.Matches,
		app.Memory,
		app.Config.LLM.Provider,
		defaultModel(app),
	)
	docService := appsvc.NewDocumentService(
		repos.Conversations,
		repos.Documents,
		repos.Chunks,
		repos.Matches,
		repos.Messages,
		app.Ingestor,
		app.IngestPublisher,
		app.Log,
	)
	qaService := appsvc.NewQAService(
		app.MySQL,
		repos.Conversations,
		repos.Documents,
		repos.Messages,
		repos.Matches,
		index,
		app.Memory,
		app.Provider,
		app.Provider,
		app.Config.RAG,
		app.Log,
	)

	authHandler := handler.NewAuthHandler(authService)
	convHandler := handler.NewConversationHandler(convService, qaService)
	docHandler := handler.NewDocumentHandler(docService)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	chatGroup.POST("/conversations", convHandler.Create)
	chatGroup.GET("/conversations", convHandler.List)
	chatGroup.GET("/conversations/:id/messages", convHandler.Messages)
	chatGroup.DELETE("/conversations/:id", convHandler.Delete)
	chatGroup.POST("/ask", convHandler.Ask)
	chatGroup.GET("/messages/:id/matches", convHandler.MessageMatches)
	chatGroup.POST("/documents", docHandler.Upload)
	chatGroup.POST("/documents/pdf", docHandler.UploadPDF)
	chatGroup.GET("/documents", docHandler.List)
	chatGroup.GET("/documents/:id/preview", docHandler.Preview)
	chatGroup.DELETE("/documents/:id", docHandler.Delete)

	return router
}

func defaultModel(app *bootstrap.App) string {
	endpoint, err := ai.ResolveEndpoint(app.Config.LLM)
	if err != nil {
		return ""
	}
	return endpoint.Model
}
