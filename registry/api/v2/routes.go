package v2

import "github.com/gorilla/mux"

// The following are definitions of the name under which all v2 routes are
// registered. These symbols can be used to look up a route based on the name.
const (
	RouteNameBase            = "base"
	RouteNameCatalog         = "catalog"
	RouteNameManifest        = "manifest"
	RouteNameTags            = "tags"
	RouteNameBlob            = "blob"
	RouteNameBlobUpload      = "blob-upload"
	RouteNameBlobUploadChunk = "blob-upload-chunk"
)

// referenceRegexpFragment matches either a tag or a digest in the manifest
// route. Full validation happens in the handler; the route only needs to
// carve out the path variable.
const referenceRegexpFragment = `[a-zA-Z0-9_][a-zA-Z0-9._:+=-]*`

// digestRegexpFragment loosely matches an algorithm-prefixed digest in the
// blob route.
const digestRegexpFragment = `[a-zA-Z0-9_+.-]+:[a-fA-F0-9]+`

// Router builds a gorilla router with named routes for the various API
// methods. This can be used directly by both server implementations and
// clients.
func Router() *mux.Router {
	return RouterWithPrefix("")
}

// RouterWithPrefix builds a gorilla router with a configured prefix on all
// routes.
func RouterWithPrefix(prefix string) *mux.Router {
	rootRouter := mux.NewRouter()
	router := rootRouter
	if prefix != "" {
		router = router.PathPrefix(prefix).Subrouter()
	}

	router.StrictSlash(true)

	// GET /v2/	Check	Check that the registry implements API version 2(.1)
	router.Path("/v2/").Name(RouteNameBase)

	// GET /v2/_catalog	Catalog	Retrieve a sorted, json list of repositories
	router.Path("/v2/_catalog").Name(RouteNameCatalog)

	// GET      /v2/<name>/manifests/<reference>	Image Manifest	Fetch the image manifest identified by name and reference.
	// PUT      /v2/<name>/manifests/<reference>	Image Manifest	Upload the image manifest identified by name and reference.
	// DELETE   /v2/<name>/manifests/<reference>	Image Manifest	Delete the image identified by name and reference.
	router.Path("/v2/{name:" + RepositoryNameRegexp.String() + "}/manifests/{reference:" + referenceRegexpFragment + "}").Name(RouteNameManifest)

	// GET	/v2/<name>/tags/list	Tags	Fetch the tags under the repository identified by name.
	router.Path("/v2/{name:" + RepositoryNameRegexp.String() + "}/tags/list").Name(RouteNameTags)

	// GET	/v2/<name>/blobs/<digest>	Layer	Fetch the blob identified by digest.
	router.Path("/v2/{name:" + RepositoryNameRegexp.String() + "}/blobs/{digest:" + digestRegexpFragment + "}").Name(RouteNameBlob)

	// POST	/v2/<name>/blobs/uploads/	Layer Upload	Initiate an upload of the layer identified by tarsum.
	router.Path("/v2/{name:" + RepositoryNameRegexp.String() + "}/blobs/uploads/").Name(RouteNameBlobUpload)

	// GET	/v2/<name>/blobs/uploads/<uuid>	Layer Upload	Get the status of the upload identified by uuid.
	// PATCH	/v2/<name>/blobs/uploads/<uuid>	Layer Upload	Upload a chunk of data for the specified upload.
	// PUT	/v2/<name>/blobs/uploads/<uuid>	Layer Upload	Complete the upload specified by uuid, optionally appending the body as the final chunk.
	// DELETE	/v2/<name>/blobs/uploads/<uuid>	Layer Upload	Cancel the upload identified by uuid.
	router.Path("/v2/{name:" + RepositoryNameRegexp.String() + "}/blobs/uploads/{uuid:[a-zA-Z0-9-_.=]+}").Name(RouteNameBlobUploadChunk)

	return rootRouter
}
